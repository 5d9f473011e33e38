package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/studysync/models"
	"github.com/zlnvch/studysync/mq"
	"github.com/zlnvch/studysync/service"
	"github.com/zlnvch/studysync/store"
)

func teardownBody(sessionId string, reason mq.TeardownReason) any {
	return mock.MatchedBy(func(body string) bool {
		job, err := mq.DecodeTeardown(&mq.Message{Body: body})
		return err == nil && job.SessionId == sessionId && job.Reason == reason
	})
}

func teardownWithClaim(sessionId string, reason mq.TeardownReason, claim models.Claim) any {
	return mock.MatchedBy(func(body string) bool {
		job, err := mq.DecodeTeardown(&mq.Message{Body: body})
		return err == nil && job.SessionId == sessionId && job.Reason == reason &&
			job.Claim != nil && *job.Claim == claim
	})
}

func TestRecordSession_Created(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	expected := models.SessionRecord{
		Id:        "R1",
		Creator:   "A",
		CreatedAt: fixedNow.UnixMilli(),
		ExpiresAt: fixedNow.Add(time.Hour).Unix(),
	}
	mockStore.On("CreateSession", ctx, expected).Return(expected, true, nil).Once()

	require.NoError(t, svc.RecordSession(ctx, "R1", "A"))
	mockStore.AssertExpectations(t)
	mockStore.AssertNotCalled(t, "ExtendSession", mock.Anything, mock.Anything, mock.Anything)
}

func TestRecordSession_RejoinExtends(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	existing := models.SessionRecord{Id: "R1", Creator: "A", CreatedAt: 1, ExpiresAt: 2}
	mockStore.On("CreateSession", ctx, mock.Anything).Return(existing, false, nil).Once()
	mockStore.On("ExtendSession", ctx, "R1", fixedNow.Add(time.Hour).Unix()).Return(existing, nil).Once()

	require.NoError(t, svc.RecordSession(ctx, "R1", "A"))
	mockStore.AssertExpectations(t)
}

func TestRecordSession_StoreError(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("CreateSession", ctx, mock.Anything).Return(models.SessionRecord{}, false, assert.AnError).Once()
	assert.ErrorIs(t, svc.RecordSession(ctx, "R1", "A"), assert.AnError)
}

func TestRequestTeardown(t *testing.T) {
	svc, _, mockMQ, _, _ := setupService(t)
	ctx := context.Background()

	claim := models.Claim{Owner: "A", ClaimedAt: 7, Token: "t1"}
	mockMQ.On("Send", ctx, teardownWithClaim("R1", mq.ReasonCreatorLeft, claim)).Return(nil).Once()
	require.NoError(t, svc.RequestTeardown(ctx, "R1", &claim))

	mockMQ.On("Send", ctx, teardownBody("R2", mq.ReasonCreatorLeft)).Return(errors.New("queue down")).Once()
	assert.Error(t, svc.RequestTeardown(ctx, "R2", nil))
	mockMQ.AssertExpectations(t)
}

func TestRecordActivity_PushesToBatcher(t *testing.T) {
	svc, _, _, _, counterBatcher := setupService(t)

	svc.RecordActivity("R1", models.ActivityNote)

	select {
	case update := <-counterBatcher.UpdateCh:
		assert.Equal(t, "R1", update.SessionId)
		assert.Equal(t, models.ActivityNote, update.Activity)
		assert.Equal(t, 1, update.Delta)
	default:
		t.Fatal("expected a counter update")
	}
}

func TestGetSession(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	live := models.SessionRecord{Id: "R1", Creator: "A", ExpiresAt: fixedNow.Add(time.Minute).Unix(), StrokeCount: 4}
	expired := models.SessionRecord{Id: "R2", Creator: "A", ExpiresAt: fixedNow.Add(-time.Minute).Unix()}
	mockStore.On("GetSession", ctx, "R1").Return(live, nil)
	mockStore.On("GetSession", ctx, "R2").Return(expired, nil)
	mockStore.On("GetSession", ctx, "R3").Return(models.SessionRecord{}, store.ErrItemNotFound)

	got, err := svc.GetSession(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.StrokeCount)

	_, err = svc.GetSession(ctx, "R2")
	assert.ErrorIs(t, err, service.ErrSessionNotFound)
	_, err = svc.GetSession(ctx, "R3")
	assert.ErrorIs(t, err, service.ErrSessionNotFound)
	_, err = svc.GetSession(ctx, "bad/id")
	assert.ErrorIs(t, err, models.ErrInvalidMessage)
}

func TestListCreatorSessions(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()
	user := models.User{Id: "A", Name: "Ada"}

	mockStore.On("GetCreatorSessions", ctx, "A").Return([]string(nil), nil).Once()
	ids, err := svc.ListCreatorSessions(ctx, user)
	require.NoError(t, err)
	assert.NotNil(t, ids)
	assert.Empty(t, ids)

	mockStore.On("GetCreatorSessions", ctx, "A").Return([]string{"R1", "R2"}, nil).Once()
	ids, err = svc.ListCreatorSessions(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []string{"R1", "R2"}, ids)
}

func TestAdmitCreator(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()
	user := models.User{Id: "A"}

	// Existing sessions are always joinable
	mockStore.On("GetSession", ctx, "R1").Return(models.SessionRecord{Id: "R1"}, nil).Once()
	assert.NoError(t, svc.AdmitCreator(ctx, user, "R1"))

	mockStore.On("GetSession", ctx, "R2").Return(models.SessionRecord{}, store.ErrItemNotFound).Twice()
	mockStore.On("CountCreatorSessions", ctx, "A").Return(3, nil).Once()
	assert.NoError(t, svc.AdmitCreator(ctx, user, "R2"))

	mockStore.On("CountCreatorSessions", ctx, "A").Return(20, nil).Once()
	assert.ErrorIs(t, svc.AdmitCreator(ctx, user, "R2"), service.ErrSessionQuotaExceeded)
	mockStore.AssertExpectations(t)
}

func TestEndSession(t *testing.T) {
	svc, mockStore, mockMQ, conn, _ := setupService(t)
	ctx := context.Background()
	user := models.User{Id: "A"}

	require.NoError(t, conn.Set(ctx, "sessions/R1/creator", []byte(`{"kind":"claim","owner":"A","claimedAt":3,"token":"t1"}`)))
	mockStore.On("DeleteCreatorSession", ctx, "R1", "A").Return(nil).Once()
	claim := models.Claim{Owner: "A", ClaimedAt: 3, Token: "t1"}
	sent := wrapMockWithSignal(mockMQ.On("Send", ctx, teardownWithClaim("R1", mq.ReasonEnded, claim)).Return(nil).Once())

	require.NoError(t, svc.EndSession(ctx, user, "R1"))
	<-sent

	snap, err := conn.Get(ctx, "sessions/R1")
	require.NoError(t, err)
	assert.False(t, snap.Exists())
	mockStore.AssertExpectations(t)
	mockMQ.AssertExpectations(t)
}

func TestEndSession_Rejections(t *testing.T) {
	svc, mockStore, mockMQ, _, _ := setupService(t)
	ctx := context.Background()
	user := models.User{Id: "B"}

	mockStore.On("DeleteCreatorSession", ctx, "R1", "B").Return(store.ErrConditionFailed).Once()
	assert.ErrorIs(t, svc.EndSession(ctx, user, "R1"), service.ErrNotSessionCreator)

	mockStore.On("DeleteCreatorSession", ctx, "R9", "B").Return(store.ErrItemNotFound).Once()
	assert.ErrorIs(t, svc.EndSession(ctx, user, "R9"), service.ErrSessionNotFound)

	mockMQ.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

package rest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/studysync/bus/memory"
	"github.com/zlnvch/studysync/models"
	mqmocks "github.com/zlnvch/studysync/mq/mocks"
	"github.com/zlnvch/studysync/service"
	"github.com/zlnvch/studysync/store"
	storemocks "github.com/zlnvch/studysync/store/mocks"
)

func setupHandler(t *testing.T) (*http.ServeMux, *service.Service, *storemocks.MockStore, *mqmocks.MockMQ) {
	t.Helper()
	mockStore := new(storemocks.MockStore)
	mockMQ := new(mqmocks.MockMQ)
	conn := memory.NewStore(15 * time.Second).Connect("gateway")
	svc := service.NewService(mockStore, mockMQ, conn, nil, []byte("secret"), time.Hour)

	h := NewHandler(svc)
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/{id}", h.HandleSession)
	mux.HandleFunc("/sessions/{id}/canvas.png", h.HandleCanvas)
	mux.HandleFunc("/me/sessions", h.HandleMySessions)
	return mux, svc, mockStore, mockMQ
}

func request(t *testing.T, mux *http.ServeMux, svc *service.Service, method string, target string, userId string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if userId != "" {
		token, err := svc.CreateJWT(userId, userId)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleSession_Get(t *testing.T) {
	mux, svc, mockStore, _ := setupHandler(t)

	record := models.SessionRecord{Id: "R1", Creator: "A", StrokeCount: 2}
	mockStore.On("GetSession", mock.Anything, "R1").Return(record, nil)
	mockStore.On("GetSession", mock.Anything, "R2").Return(models.SessionRecord{}, store.ErrItemNotFound)

	rec := request(t, mux, svc, http.MethodGet, "/sessions/R1", "B")
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.SessionRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, record, got)

	rec = request(t, mux, svc, http.MethodGet, "/sessions/R2", "B")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = request(t, mux, svc, http.MethodGet, "/sessions/R1", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = request(t, mux, svc, http.MethodPost, "/sessions/R1", "B")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleSession_Delete(t *testing.T) {
	mux, svc, mockStore, mockMQ := setupHandler(t)

	mockStore.On("DeleteCreatorSession", mock.Anything, "R1", "A").Return(nil).Once()
	mockStore.On("DeleteCreatorSession", mock.Anything, "R1", "B").Return(store.ErrConditionFailed).Once()
	mockMQ.On("Send", mock.Anything, mock.Anything).Return(nil).Once()

	rec := request(t, mux, svc, http.MethodDelete, "/sessions/R1", "B")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = request(t, mux, svc, http.MethodDelete, "/sessions/R1", "A")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	mockStore.AssertExpectations(t)
	mockMQ.AssertExpectations(t)
}

func TestHandleCanvas(t *testing.T) {
	mux, svc, _, _ := setupHandler(t)

	rec := request(t, mux, svc, http.MethodGet, "/sessions/R1/canvas.png", "A")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "\x89PNG", rec.Body.String()[:4])

	rec = request(t, mux, svc, http.MethodGet, "/sessions/R1/canvas.png", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleMySessions(t *testing.T) {
	mux, svc, mockStore, _ := setupHandler(t)

	mockStore.On("GetCreatorSessions", mock.Anything, "A").Return([]string{"R1"}, nil).Once()
	mockStore.On("GetCreatorSessions", mock.Anything, "B").Return([]string(nil), assert.AnError).Once()

	rec := request(t, mux, svc, http.MethodGet, "/me/sessions", "A")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessions":["R1"]}`, rec.Body.String())

	rec = request(t, mux, svc, http.MethodGet, "/me/sessions", "B")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/zlnvch/studysync/bus"
	"github.com/zlnvch/studysync/models"
	"github.com/zlnvch/studysync/mq"
	"github.com/zlnvch/studysync/session"
	"github.com/zlnvch/studysync/store"
	"github.com/zlnvch/studysync/worker"
)

const maxSessionsPerCreator = 20

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrNotSessionCreator    = errors.New("only the creator can end a session")
	ErrSessionQuotaExceeded = errors.New("session quota exceeded")
)

var _ session.Directory = (*Service)(nil)

// RecordSession registers a session in the directory when its creator joins.
// A creator rejoining an existing session extends its expiry instead.
func (s *Service) RecordSession(ctx context.Context, sessionId string, creatorId string) error {
	now := s.now()
	expiresAt := now.Add(s.SessionTTL).Unix()
	record := models.SessionRecord{
		Id:        sessionId,
		Creator:   creatorId,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: expiresAt,
	}

	existing, created, err := s.Store.CreateSession(ctx, record)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	if created {
		logrus.WithFields(logrus.Fields{"session": sessionId, "creator": creatorId}).Info("Session recorded")
		return nil
	}
	if existing.Creator != creatorId {
		// A stale record of an earlier session under the same id
		logrus.WithFields(logrus.Fields{"session": sessionId, "creator": existing.Creator}).
			Warn("Session record belongs to another creator")
	}
	if _, err := s.Store.ExtendSession(ctx, sessionId, expiresAt); err != nil {
		return fmt.Errorf("extend session: %w", err)
	}
	return nil
}

// RequestTeardown queues removal of the directory record once the creator
// has left. The bus subtree is already gone at this point; the worker
// removes it again unless the creator has claimed the session anew.
func (s *Service) RequestTeardown(ctx context.Context, sessionId string, claim *models.Claim) error {
	return s.queueTeardown(ctx, sessionId, mq.ReasonCreatorLeft, claim)
}

func (s *Service) queueTeardown(ctx context.Context, sessionId string, reason mq.TeardownReason, claim *models.Claim) error {
	job := mq.TeardownJob{SessionId: sessionId, Reason: reason, RequestedAt: s.now().UnixMilli(), Claim: claim}
	if err := mq.SendTeardown(ctx, s.MQ, job); err != nil {
		return fmt.Errorf("queue teardown: %w", err)
	}
	return nil
}

func (s *Service) RecordActivity(sessionId string, activity models.Activity) {
	if s.CounterBatcher == nil {
		return
	}
	s.CounterBatcher.Add(worker.CounterUpdate{SessionId: sessionId, Activity: activity, Delta: 1})
}

func (s *Service) GetSession(ctx context.Context, sessionId string) (models.SessionRecord, error) {
	if err := models.ValidateId(sessionId); err != nil {
		return models.SessionRecord{}, err
	}
	record, err := s.Store.GetSession(ctx, sessionId)
	if errors.Is(err, store.ErrItemNotFound) {
		return models.SessionRecord{}, ErrSessionNotFound
	}
	if err != nil {
		return models.SessionRecord{}, err
	}
	// The TTL sweep is lazy, so an expired record may still be returned
	if record.ExpiresAt > 0 && record.ExpiresAt < s.now().Unix() {
		return models.SessionRecord{}, ErrSessionNotFound
	}
	return record, nil
}

// ListCreatorSessions returns the ids of the sessions a user created.
func (s *Service) ListCreatorSessions(ctx context.Context, user models.User) ([]string, error) {
	ids, err := s.Store.GetCreatorSessions(ctx, user.Id)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// AdmitCreator checks that a user may open a session that does not exist
// yet. Joining an existing session is always allowed.
func (s *Service) AdmitCreator(ctx context.Context, user models.User, sessionId string) error {
	_, err := s.Store.GetSession(ctx, sessionId)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrItemNotFound) {
		return err
	}
	count, err := s.Store.CountCreatorSessions(ctx, user.Id)
	if err != nil {
		return err
	}
	if count >= maxSessionsPerCreator {
		logrus.WithField("user", user.Id).Warnf("Session quota reached (%d)", count)
		return ErrSessionQuotaExceeded
	}
	return nil
}

// EndSession lets the creator end a session from outside of it. Connected
// participants see the session end as soon as the bus subtree is removed.
func (s *Service) EndSession(ctx context.Context, user models.User, sessionId string) error {
	if err := models.ValidateId(sessionId); err != nil {
		return err
	}
	err := s.Store.DeleteCreatorSession(ctx, sessionId, user.Id)
	if errors.Is(err, store.ErrItemNotFound) {
		return ErrSessionNotFound
	}
	if errors.Is(err, store.ErrConditionFailed) {
		return ErrNotSessionCreator
	}
	if err != nil {
		return err
	}

	var claim *models.Claim
	if s.Bus != nil {
		claim = s.creatorClaim(ctx, sessionId)
		if err := s.Bus.Remove(ctx, bus.SessionRoot(sessionId)); err != nil {
			// The queued job retries the removal
			logrus.WithField("session", sessionId).WithError(err).Warn("Failed to remove session from bus")
		}
	}
	return s.queueTeardown(ctx, sessionId, mq.ReasonEnded, claim)
}

// creatorClaim reads the session's current creator claim, nil when there is
// none or it cannot be read.
func (s *Service) creatorClaim(ctx context.Context, sessionId string) *models.Claim {
	snap, err := s.Bus.Get(ctx, bus.Join(bus.SessionRoot(sessionId), "creator"))
	if err != nil || snap.Value == nil {
		return nil
	}
	claim, err := models.Decode[models.Claim](snap.Value)
	if err != nil {
		return nil
	}
	return &claim
}

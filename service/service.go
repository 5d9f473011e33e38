package service

import (
	"time"

	"github.com/zlnvch/studysync/bus"
	"github.com/zlnvch/studysync/mq"
	"github.com/zlnvch/studysync/store"
	"github.com/zlnvch/studysync/worker"
)

const DefaultSessionTTL = 24 * time.Hour

type Service struct {
	Store          store.SessionStore
	MQ             mq.MessageQueue
	Bus            bus.Bus
	CounterBatcher *worker.CounterBatcher
	JWTSecret      []byte
	SessionTTL     time.Duration
	now            func() time.Time
}

func NewService(
	store store.SessionStore,
	mq mq.MessageQueue,
	bus bus.Bus,
	counterBatcher *worker.CounterBatcher,
	jwtSecret []byte,
	sessionTTL time.Duration,
) *Service {
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	return &Service{
		Store:          store,
		MQ:             mq,
		Bus:            bus,
		CounterBatcher: counterBatcher,
		JWTSecret:      jwtSecret,
		SessionTTL:     sessionTTL,
		now:            time.Now,
	}
}

// SetClock replaces the time source used for tokens and directory timestamps.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

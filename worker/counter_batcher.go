package worker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zlnvch/studysync/models"
	"github.com/zlnvch/studysync/store"
)

// Flush early once this many distinct counters are pending.
const maxPendingCounters = 100

type CounterUpdate struct {
	SessionId string
	Activity  models.Activity
	Delta     int
}

type counterKey struct {
	sessionId string
	activity  models.Activity
}

// CounterBatcher folds activity updates per session and counter and writes
// them to the directory with atomic increments.
type CounterBatcher struct {
	UpdateCh     chan CounterUpdate
	sessionStore store.SessionStore
	interval     time.Duration
}

func NewCounterBatcher(sessionStore store.SessionStore, interval time.Duration) *CounterBatcher {
	return &CounterBatcher{
		UpdateCh:     make(chan CounterUpdate, 1024),
		sessionStore: sessionStore,
		interval:     interval,
	}
}

// Add queues an update without blocking; updates are dropped when the buffer is full.
func (b *CounterBatcher) Add(update CounterUpdate) {
	select {
	case b.UpdateCh <- update:
	default:
		logrus.WithField("session", update.SessionId).Warn("Counter buffer full, dropping update")
	}
}

func (b *CounterBatcher) Run(shutdownCtx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	counts := make(map[counterKey]int)

	flush := func() {
		for key, count := range counts {
			if count == 0 {
				continue
			}
			go func(key counterKey, count int) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				err := b.sessionStore.IncrementCounter(ctx, key.sessionId, key.activity, count)
				if errors.Is(err, store.ErrItemNotFound) {
					// The session was torn down in the meantime
					return
				}
				if err != nil {
					logrus.WithFields(logrus.Fields{"session": key.sessionId, "activity": key.activity.String()}).
						WithError(err).Warn("Failed to update session counter")
				}
			}(key, count)
		}
		counts = make(map[counterKey]int)
	}

	for {
		select {
		case update := <-b.UpdateCh:
			if update.SessionId != "" {
				counts[counterKey{update.SessionId, update.Activity}] += update.Delta
			}
			if len(counts) >= maxPendingCounters {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-shutdownCtx.Done():
			flush()
			return
		}
	}
}

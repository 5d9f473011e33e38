package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zlnvch/studysync/bus"
	"github.com/zlnvch/studysync/mq"
)

// LeaseReaper periodically clears the paths of vanished connections. When a
// creator's claim is among them, the session is queued for teardown exactly
// as if the creator had left.
type LeaseReaper struct {
	reaper        bus.Reaper
	teardownQueue mq.MessageQueue
	interval      time.Duration
	now           func() time.Time
}

func NewLeaseReaper(reaper bus.Reaper, teardownQueue mq.MessageQueue, interval time.Duration) *LeaseReaper {
	return &LeaseReaper{
		reaper:        reaper,
		teardownQueue: teardownQueue,
		interval:      interval,
		now:           time.Now,
	}
}

func (r *LeaseReaper) Run(shutdownCtx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Reap(shutdownCtx)
		case <-shutdownCtx.Done():
			return
		}
	}
}

// Reap runs one pass and returns the sessions it queued for teardown.
func (r *LeaseReaper) Reap(ctx context.Context) []string {
	expired, err := r.reaper.ReapExpired(ctx, r.now())
	if err != nil {
		logrus.WithError(err).Warn("Lease reaping failed")
		return nil
	}

	var ended []string
	for _, e := range expired {
		for _, path := range e.Paths {
			sessionId, ok := creatorSession(path)
			if !ok {
				continue
			}
			logrus.WithFields(logrus.Fields{"session": sessionId, "client": e.ClientId}).Info("Creator lease expired")
			job := mq.TeardownJob{SessionId: sessionId, Reason: mq.ReasonLeaseExpired, RequestedAt: r.now().UnixMilli()}
			if err := mq.SendTeardown(ctx, r.teardownQueue, job); err != nil {
				logrus.WithField("session", sessionId).WithError(err).Warn("Failed to queue teardown")
				continue
			}
			ended = append(ended, sessionId)
		}
	}
	return ended
}

// creatorSession matches sessions/{id}/creator.
func creatorSession(path string) (string, bool) {
	parent, leaf := bus.Split(path)
	if leaf != "creator" {
		return "", false
	}
	root, id := bus.Split(parent)
	if root != "sessions" || id == "" {
		return "", false
	}
	return id, true
}

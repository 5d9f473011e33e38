package worker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zlnvch/studysync/bus"
	"github.com/zlnvch/studysync/models"
	"github.com/zlnvch/studysync/mq"
	"github.com/zlnvch/studysync/store"
)

// Time a worker has for one job before the message becomes visible again.
const visibilityTimeout = 60

// A job that failed this often is dropped instead of retried forever.
const maxTeardownAttempts = 5

// TeardownConsumer removes what a finished session left behind: its subtree
// on the bus and its directory record.
type TeardownConsumer struct {
	teardownQueue mq.MessageQueue
	sessionStore  store.SessionStore
	sessionBus    bus.Bus
}

func NewTeardownConsumer(teardownQueue mq.MessageQueue, sessionStore store.SessionStore, sessionBus bus.Bus) *TeardownConsumer {
	return &TeardownConsumer{
		teardownQueue: teardownQueue,
		sessionStore:  sessionStore,
		sessionBus:    sessionBus,
	}
}

func (c *TeardownConsumer) Run(shutdownCtx context.Context) {
	for {
		msg, err := c.teardownQueue.Receive(shutdownCtx, visibilityTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			logrus.WithError(err).Warn("Teardown queue receive error")
			continue
		}
		if msg == nil {
			continue
		}

		if err := c.Handle(msg); err != nil {
			if msg.ReceiveCount < maxTeardownAttempts {
				// Left on the queue, retried after the visibility timeout
				logrus.WithError(err).WithField("attempt", msg.ReceiveCount).Warn("Teardown job failed")
				continue
			}
			logrus.WithError(err).WithField("body", msg.Body).Error("Giving up on teardown job")
		}

		if err := c.teardownQueue.Delete(context.Background(), msg); err != nil {
			logrus.WithError(err).Warn("Teardown queue delete error")
		}
	}
}

// Handle runs one teardown job. Both steps are idempotent, so a redelivered
// job is harmless. A malformed job is dropped, and so is a job for a session
// whose creator has claimed it again since the job was queued.
func (c *TeardownConsumer) Handle(msg *mq.Message) error {
	job, err := mq.DecodeTeardown(msg)
	if err != nil {
		logrus.WithError(err).Warn("Dropping malformed teardown job")
		return nil
	}

	// Slightly less than the visibility timeout
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(visibilityTimeout-1)*time.Second)
	defer cancel()

	log := logrus.WithFields(logrus.Fields{"session": job.SessionId, "reason": string(job.Reason)})

	restarted, err := c.restarted(ctx, job)
	if err != nil {
		return err
	}
	if restarted {
		log.Info("Session was claimed again, skipping teardown")
		return nil
	}

	if err := c.sessionBus.Remove(ctx, bus.SessionRoot(job.SessionId)); err != nil {
		return err
	}
	if err := c.sessionStore.DeleteSession(ctx, job.SessionId); err != nil && !errors.Is(err, store.ErrItemNotFound) {
		return err
	}
	log.Info("Session torn down")
	return nil
}

// restarted reports whether the session holds a creator claim other than the
// one recorded in the job.
func (c *TeardownConsumer) restarted(ctx context.Context, job mq.TeardownJob) (bool, error) {
	snap, err := c.sessionBus.Get(ctx, bus.Join(bus.SessionRoot(job.SessionId), "creator"))
	if err != nil {
		return false, err
	}
	if snap.Value == nil {
		return false, nil
	}
	current, err := models.Decode[models.Claim](snap.Value)
	if err != nil {
		// Nobody can hold a malformed claim
		return false, nil
	}
	return job.Claim == nil || current != *job.Claim, nil
}

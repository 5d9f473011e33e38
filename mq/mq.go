package mq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zlnvch/studysync/models"
)

type MessageQueue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, visibilityTimeout int32) (*Message, error)
	Delete(ctx context.Context, msg *Message) error
}

type Message struct {
	Id   string
	Body string
	// ReceiveCount is how often the message was delivered, this time included.
	// Zero when the queue does not track it.
	ReceiveCount int
}

type TeardownReason string

const (
	ReasonCreatorLeft  TeardownReason = "creator_left"
	ReasonLeaseExpired TeardownReason = "lease_expired"
	ReasonEnded        TeardownReason = "ended"
)

// TeardownJob asks a worker to remove everything a session left behind,
// on the bus and in the directory. Claim is the creator claim the session
// had when the job was queued; nil when it was already gone.
type TeardownJob struct {
	SessionId   string         `json:"sessionId"`
	Reason      TeardownReason `json:"reason"`
	RequestedAt int64          `json:"requestedAt"`
	Claim       *models.Claim  `json:"claim,omitempty"`
}

func SendTeardown(ctx context.Context, queue MessageQueue, job TeardownJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return queue.Send(ctx, string(body))
}

func DecodeTeardown(msg *Message) (TeardownJob, error) {
	var job TeardownJob
	if err := json.Unmarshal([]byte(msg.Body), &job); err != nil {
		return TeardownJob{}, fmt.Errorf("invalid teardown job: %w", err)
	}
	if job.SessionId == "" {
		return TeardownJob{}, fmt.Errorf("invalid teardown job: missing session id")
	}
	return job, nil
}

package store

import (
	"context"
	"errors"

	"github.com/zlnvch/studysync/models"
)

// SessionStore is the directory of live sessions.
type SessionStore interface {
	// CreateSession inserts the record unless one exists and reports whether it did.
	CreateSession(ctx context.Context, record models.SessionRecord) (models.SessionRecord, bool, error)
	GetSession(ctx context.Context, sessionId string) (models.SessionRecord, error)
	ExtendSession(ctx context.Context, sessionId string, expiresAt int64) (models.SessionRecord, error)
	DeleteSession(ctx context.Context, sessionId string) error
	// DeleteCreatorSession deletes the record only if creatorId created it.
	DeleteCreatorSession(ctx context.Context, sessionId string, creatorId string) error
	GetCreatorSessions(ctx context.Context, creatorId string) ([]string, error)
	CountCreatorSessions(ctx context.Context, creatorId string) (int, error)

	IncrementCounter(ctx context.Context, sessionId string, activity models.Activity, count int) error
}

// Custom error types for clarity
var (
	ErrItemNotFound    = errors.New("item does not exist")
	ErrConditionFailed = errors.New("condition not met")
)

package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/zlnvch/studysync/models"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateSession(ctx context.Context, record models.SessionRecord) (models.SessionRecord, bool, error) {
	args := m.Called(ctx, record)
	return args.Get(0).(models.SessionRecord), args.Bool(1), args.Error(2)
}

func (m *MockStore) GetSession(ctx context.Context, sessionId string) (models.SessionRecord, error) {
	args := m.Called(ctx, sessionId)
	return args.Get(0).(models.SessionRecord), args.Error(1)
}

func (m *MockStore) ExtendSession(ctx context.Context, sessionId string, expiresAt int64) (models.SessionRecord, error) {
	args := m.Called(ctx, sessionId, expiresAt)
	return args.Get(0).(models.SessionRecord), args.Error(1)
}

func (m *MockStore) DeleteSession(ctx context.Context, sessionId string) error {
	args := m.Called(ctx, sessionId)
	return args.Error(0)
}

func (m *MockStore) DeleteCreatorSession(ctx context.Context, sessionId string, creatorId string) error {
	args := m.Called(ctx, sessionId, creatorId)
	return args.Error(0)
}

func (m *MockStore) GetCreatorSessions(ctx context.Context, creatorId string) ([]string, error) {
	args := m.Called(ctx, creatorId)
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockStore) CountCreatorSessions(ctx context.Context, creatorId string) (int, error) {
	args := m.Called(ctx, creatorId)
	return args.Int(0), args.Error(1)
}

func (m *MockStore) IncrementCounter(ctx context.Context, sessionId string, activity models.Activity, count int) error {
	args := m.Called(ctx, sessionId, activity, count)
	return args.Error(0)
}

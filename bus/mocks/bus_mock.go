package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/zlnvch/studysync/bus"
)

type MockBus struct {
	mock.Mock
}

func (m *MockBus) ClientId() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockBus) Set(ctx context.Context, path string, value []byte) error {
	args := m.Called(ctx, path, value)
	return args.Error(0)
}

func (m *MockBus) Update(ctx context.Context, path string, fields map[string]any) error {
	args := m.Called(ctx, path, fields)
	return args.Error(0)
}

func (m *MockBus) Get(ctx context.Context, path string) (bus.Snapshot, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(bus.Snapshot), args.Error(1)
}

func (m *MockBus) Subscribe(ctx context.Context, path string, onSnapshot func(bus.Snapshot)) (func(), error) {
	args := m.Called(ctx, path, onSnapshot)
	var unsubscribe func()
	if fn := args.Get(0); fn != nil {
		unsubscribe = fn.(func())
	}
	return unsubscribe, args.Error(1)
}

func (m *MockBus) AppendChild(ctx context.Context, path string, value []byte) (string, error) {
	args := m.Called(ctx, path, value)
	return args.String(0), args.Error(1)
}

func (m *MockBus) Claim(ctx context.Context, path string, value []byte) (bool, []byte, error) {
	args := m.Called(ctx, path, value)
	var stored []byte
	if b := args.Get(1); b != nil {
		stored = b.([]byte)
	}
	return args.Bool(0), stored, args.Error(2)
}

func (m *MockBus) RemoveOnDisconnect(ctx context.Context, path string) error {
	args := m.Called(ctx, path)
	return args.Error(0)
}

func (m *MockBus) Remove(ctx context.Context, path string) error {
	args := m.Called(ctx, path)
	return args.Error(0)
}

func (m *MockBus) Close() error {
	args := m.Called()
	return args.Error(0)
}

type MockReaper struct {
	mock.Mock
}

func (m *MockReaper) ReapExpired(ctx context.Context, now time.Time) ([]bus.Expiry, error) {
	args := m.Called(ctx, now)
	var expired []bus.Expiry
	if e := args.Get(0); e != nil {
		expired = e.([]bus.Expiry)
	}
	return expired, args.Error(1)
}

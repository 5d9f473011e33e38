package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/zlnvch/studysync/bus/memory"
	mqmocks "github.com/zlnvch/studysync/mq/mocks"
	"github.com/zlnvch/studysync/service"
	storemocks "github.com/zlnvch/studysync/store/mocks"
	"github.com/zlnvch/studysync/worker"
)

var fixedNow = time.Unix(1700000000, 0)

func setupService(t *testing.T) (*service.Service, *storemocks.MockStore, *mqmocks.MockMQ, *memory.Conn, *worker.CounterBatcher) {
	t.Helper()
	mockStore := new(storemocks.MockStore)
	mockMQ := new(mqmocks.MockMQ)
	conn := memory.NewStore(15 * time.Second).Connect("service")

	// Not running; tests read what was pushed to its channel
	counterBatcher := worker.NewCounterBatcher(mockStore, time.Hour)

	svc := service.NewService(mockStore, mockMQ, conn, counterBatcher, []byte("secret"), time.Hour)
	svc.SetClock(func() time.Time { return fixedNow })
	return svc, mockStore, mockMQ, conn, counterBatcher
}

// Helper that creates a channel and wraps a mock call to signal when it's called
func wrapMockWithSignal(call *mock.Call) chan struct{} {
	done := make(chan struct{})
	call.Run(func(args mock.Arguments) {
		close(done)
	})
	return done
}

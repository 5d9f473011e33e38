package api

import (
	"context"
	"time"

	"github.com/zlnvch/studysync/bus"
	"github.com/zlnvch/studysync/bus/memory"
	"github.com/zlnvch/studysync/bus/redis"
)

// BusBackend opens participant connections to the session bus and reaps the
// leases of connections that vanished.
type BusBackend struct {
	Connect func(ctx context.Context, clientId string) (bus.Bus, error)
	Reaper  bus.Reaper
	close   func() error
}

func (b BusBackend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// NewMemoryBackend keeps the bus inside this process. Only usable with a
// single gateway instance.
func NewMemoryBackend(leaseTimeout time.Duration) BusBackend {
	store := memory.NewStore(leaseTimeout)
	return BusBackend{
		Connect: func(ctx context.Context, clientId string) (bus.Bus, error) {
			return store.Connect(clientId), nil
		},
		Reaper: store,
	}
}

func NewRedisBackend(redisBus *redis.RedisSessionBus) BusBackend {
	return BusBackend{
		Connect: func(ctx context.Context, clientId string) (bus.Bus, error) {
			conn, err := redisBus.Connect(ctx, clientId)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		Reaper: redisBus,
		close:  redisBus.Close,
	}
}

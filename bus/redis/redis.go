package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/zlnvch/studysync/bus"
)

const maxWatchRetries = 8

// RedisSessionBus is the shared half of the redis transport. Every participant
// connection gets its own Conn, but they all share one client pool.
type RedisSessionBus struct {
	client       redis.UniversalClient
	leaseTimeout time.Duration
}

func NewRedisSessionBus(ctx context.Context, devMode bool, redisEndpoint string, leaseTimeout time.Duration) (*RedisSessionBus, error) {
	var client redis.UniversalClient
	if devMode {
		client = redis.NewClient(&redis.Options{
			Addr: redisEndpoint,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr: redisEndpoint,
			// AWS elasticache endpoints require TLS
			TLSConfig: &tls.Config{},
		})
	}

	err := client.Ping(ctx).Err()
	if err != nil {
		return nil, err
	}

	return NewRedisSessionBusFromClient(client, leaseTimeout), nil
}

func NewRedisSessionBusFromClient(client redis.UniversalClient, leaseTimeout time.Duration) *RedisSessionBus {
	return &RedisSessionBus{client: client, leaseTimeout: leaseTimeout}
}

// Connect opens a participant connection. The connection heartbeats its lease
// until Close; if the process dies the reaper clears its leased paths.
func (redisBus *RedisSessionBus) Connect(ctx context.Context, clientId string) (*Conn, error) {
	if clientId == "" {
		clientId = uuid.Must(uuid.NewV4()).String()
	}
	heartbeatCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		bus:    redisBus,
		id:     clientId,
		cancel: cancel,
		subs:   make(map[uint64]context.CancelFunc),
	}
	go c.heartbeat(heartbeatCtx)
	return c, nil
}

func (redisBus *RedisSessionBus) Close() error {
	return redisBus.client.Close()
}

// ReapExpired clears the leased paths of every connection that stopped
// heartbeating before now.
func (redisBus *RedisSessionBus) ReapExpired(ctx context.Context, now time.Time) ([]bus.Expiry, error) {
	ids, err := redisBus.client.ZRangeByScore(ctx, leasesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	var expired []bus.Expiry
	for _, id := range ids {
		paths, err := redisBus.releaseLease(ctx, id)
		if err != nil {
			logrus.WithError(err).WithField("clientId", id).Warn("Failed to release expired lease")
			continue
		}
		expired = append(expired, bus.Expiry{ClientId: id, Paths: paths})
	}
	return expired, nil
}

func (redisBus *RedisSessionBus) releaseLease(ctx context.Context, clientId string) ([]string, error) {
	pathsKey := buildLeasePathsKey(clientId)
	paths, err := redisBus.client.SMembers(ctx, pathsKey).Result()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if err := redisBus.removePath(ctx, p); err != nil {
			return nil, err
		}
	}

	pipe := redisBus.client.Pipeline()
	pipe.Del(ctx, pathsKey)
	pipe.ZRem(ctx, leasesKey, clientId)
	_, err = pipe.Exec(ctx)
	return paths, err
}

// Design Choice: Split Index/Data Pattern per collection
// Every path with children is a collection stored as two structures:
// 1. Hash ("bus:{root}:d:<path>"): child key -> value blob.
// 2. ZSet ("bus:{root}:i:<path>"): child keys scored by a per-root sequence,
//    so snapshots list children in insertion order and overwrites keep their slot.
// The root's hash tag keeps every collection of a session in one cluster slot.
func (redisBus *RedisSessionBus) write(ctx context.Context, path string, value []byte) error {
	parent, leaf := bus.Split(path)
	root := bus.Root(parent)

	seq, err := redisBus.client.Incr(ctx, buildSeqKey(root)).Result()
	if err != nil {
		return err
	}

	pipe := redisBus.client.Pipeline()
	pipe.HSet(ctx, buildDataKey(parent), leaf, value)
	pipe.ZAddNX(ctx, buildIndexKey(parent), redis.Z{Score: float64(seq), Member: leaf})
	pipe.SAdd(ctx, buildCollectionsKey(root), parent)
	pipe.Publish(ctx, buildChangesChannel(bus.Root(path)), path)
	_, err = pipe.Exec(ctx)
	return err
}

func (redisBus *RedisSessionBus) index(ctx context.Context, path string) error {
	parent, leaf := bus.Split(path)
	root := bus.Root(parent)

	seq, err := redisBus.client.Incr(ctx, buildSeqKey(root)).Result()
	if err != nil {
		return err
	}

	pipe := redisBus.client.Pipeline()
	pipe.ZAddNX(ctx, buildIndexKey(parent), redis.Z{Score: float64(seq), Member: leaf})
	pipe.SAdd(ctx, buildCollectionsKey(root), parent)
	pipe.Publish(ctx, buildChangesChannel(bus.Root(path)), path)
	_, err = pipe.Exec(ctx)
	return err
}

func (redisBus *RedisSessionBus) removePath(ctx context.Context, path string) error {
	parent, leaf := bus.Split(path)
	root := bus.Root(path)

	colls, err := redisBus.client.SMembers(ctx, buildCollectionsKey(root)).Result()
	if err != nil {
		return err
	}

	pipe := redisBus.client.Pipeline()
	pipe.HDel(ctx, buildDataKey(parent), leaf)
	pipe.ZRem(ctx, buildIndexKey(parent), leaf)
	for _, coll := range colls {
		if bus.IsWithin(coll, path) {
			pipe.Del(ctx, buildDataKey(coll), buildIndexKey(coll))
			pipe.SRem(ctx, buildCollectionsKey(root), coll)
		}
	}
	if path == root {
		pipe.Del(ctx, buildSeqKey(root), buildCollectionsKey(root))
	}
	pipe.Publish(ctx, buildChangesChannel(root), path)
	_, err = pipe.Exec(ctx)
	return err
}

func (redisBus *RedisSessionBus) snapshot(ctx context.Context, path string) (bus.Snapshot, error) {
	parent, leaf := bus.Split(path)
	snap := bus.Snapshot{Path: path}

	value, err := redisBus.client.HGet(ctx, buildDataKey(parent), leaf).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return bus.Snapshot{}, err
	}
	if err == nil {
		snap.Value = value
	}

	// 1. Child keys in insertion order
	ids, err := redisBus.client.ZRange(ctx, buildIndexKey(path), 0, -1).Result()
	if err != nil {
		return bus.Snapshot{}, err
	}
	if len(ids) == 0 {
		return snap, nil
	}

	// 2. Values from the hash
	values, err := redisBus.client.HMGet(ctx, buildDataKey(path), ids...).Result()
	if err != nil {
		return bus.Snapshot{}, err
	}

	snap.Children = make([]bus.Child, 0, len(ids))
	for i, item := range values {
		// Index entries of nested collections carry no value of their own
		if item == nil {
			continue
		}
		if s, ok := item.(string); ok {
			snap.Children = append(snap.Children, bus.Child{Key: ids[i], Value: []byte(s)})
		}
	}
	return snap, nil
}

// Conn is one participant's connection to the redis transport.
type Conn struct {
	bus    *RedisSessionBus
	id     string
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	leased bool
	subSeq uint64
	subs   map[uint64]context.CancelFunc
}

func (c *Conn) ClientId() string {
	return c.id
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Set(ctx context.Context, path string, value []byte) error {
	if c.isClosed() {
		return bus.ErrClosed
	}
	return c.bus.write(ctx, path, value)
}

// Update merges fields into the JSON object at path under WATCH so concurrent
// updates of different fields don't overwrite each other.
func (c *Conn) Update(ctx context.Context, path string, fields map[string]any) error {
	if c.isClosed() {
		return bus.ErrClosed
	}

	parent, leaf := bus.Split(path)
	dataKey := buildDataKey(parent)

	txf := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, dataKey, leaf).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		merged, err := bus.MergeFields(current, fields)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, dataKey, leaf, merged)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := c.bus.client.Watch(ctx, txf, dataKey)
		if err == nil {
			return c.bus.index(ctx, path)
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}

func (c *Conn) Get(ctx context.Context, path string) (bus.Snapshot, error) {
	if c.isClosed() {
		return bus.Snapshot{}, bus.ErrClosed
	}
	return c.bus.snapshot(ctx, path)
}

func (c *Conn) Subscribe(ctx context.Context, path string, onSnapshot func(bus.Snapshot)) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, bus.ErrClosed
	}
	subCtx, cancel := context.WithCancel(context.Background())
	c.subSeq++
	subId := c.subSeq
	c.subs[subId] = cancel
	c.mu.Unlock()

	unsubscribe := func() {
		c.mu.Lock()
		delete(c.subs, subId)
		c.mu.Unlock()
		cancel()
	}

	channel := buildChangesChannel(bus.Root(path))
	pubsub := c.bus.client.Subscribe(subCtx, channel)
	// Ensure subscription is established before the initial read
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		unsubscribe()
		return nil, err
	}

	snap, err := c.bus.snapshot(ctx, path)
	if err != nil {
		pubsub.Close()
		unsubscribe()
		return nil, err
	}
	onSnapshot(snap)

	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if !bus.Related(path, msg.Payload) {
					continue
				}
				snap, err := c.bus.snapshot(subCtx, path)
				if err != nil {
					if subCtx.Err() == nil {
						logrus.WithError(err).WithField("path", path).Warn("Failed to read snapshot after change")
					}
					continue
				}
				onSnapshot(snap)
			}
		}
	}()

	return unsubscribe, nil
}

func (c *Conn) AppendChild(ctx context.Context, path string, value []byte) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	key := id.String()
	if err := c.Set(ctx, bus.Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (c *Conn) Claim(ctx context.Context, path string, value []byte) (bool, []byte, error) {
	if c.isClosed() {
		return false, nil, bus.ErrClosed
	}

	parent, leaf := bus.Split(path)
	dataKey := buildDataKey(parent)

	ok, err := c.bus.client.HSetNX(ctx, dataKey, leaf, value).Result()
	if err != nil {
		return false, nil, err
	}
	if !ok {
		existing, err := c.bus.client.HGet(ctx, dataKey, leaf).Bytes()
		if err != nil {
			return false, nil, err
		}
		return false, existing, nil
	}
	if err := c.bus.index(ctx, path); err != nil {
		return true, value, err
	}
	return true, value, nil
}

func (c *Conn) RemoveOnDisconnect(ctx context.Context, path string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return bus.ErrClosed
	}
	c.leased = true
	c.mu.Unlock()

	pipe := c.bus.client.Pipeline()
	pipe.SAdd(ctx, buildLeasePathsKey(c.id), path)
	pipe.ZAdd(ctx, leasesKey, redis.Z{Score: float64(c.leaseDeadline()), Member: c.id})
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Conn) Remove(ctx context.Context, path string) error {
	if c.isClosed() {
		return bus.ErrClosed
	}
	return c.bus.removePath(ctx, path)
}

// Close clears every leased path right away and stops all subscriptions.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	leased := c.leased
	c.mu.Unlock()

	c.cancel()
	for _, cancel := range subs {
		cancel()
	}

	if !leased {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.bus.releaseLease(ctx, c.id)
	return err
}

func (c *Conn) leaseDeadline() int64 {
	return time.Now().Add(c.bus.leaseTimeout).UnixMilli()
}

func (c *Conn) heartbeat(ctx context.Context) {
	interval := c.bus.leaseTimeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// XX: a lease the reaper already released is not resurrected
			err := c.bus.client.ZAddXX(ctx, leasesKey, redis.Z{Score: float64(c.leaseDeadline()), Member: c.id}).Err()
			if err != nil && ctx.Err() == nil {
				logrus.WithError(err).WithField("clientId", c.id).Warn("Lease heartbeat failed")
			}
		}
	}
}

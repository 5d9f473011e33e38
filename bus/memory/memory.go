package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/zlnvch/studysync/bus"
)

type lease struct {
	paths    map[string]struct{}
	lastSeen time.Time
	dropped  bool
}

// Store is an in-process transport shared by every Conn created from it.
// Change notifications are delivered asynchronously, in order, per subscription.
type Store struct {
	mu           sync.Mutex
	leaves       map[string][]byte
	order        map[string]uint64
	seq          uint64
	subs         map[uint64]*subscription
	subSeq       uint64
	leases       map[string]*lease
	leaseTimeout time.Duration
	now          func() time.Time

	pendingMu sync.Mutex
	pending   int
	idle      *sync.Cond
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(leaseTimeout time.Duration, opts ...Option) *Store {
	s := &Store{
		leaves:       make(map[string][]byte),
		order:        make(map[string]uint64),
		subs:         make(map[uint64]*subscription),
		leases:       make(map[string]*lease),
		leaseTimeout: leaseTimeout,
		now:          time.Now,
	}
	s.idle = sync.NewCond(&s.pendingMu)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens a connection. An empty clientId gets a random one.
func (s *Store) Connect(clientId string) *Conn {
	if clientId == "" {
		clientId = uuid.Must(uuid.NewV4()).String()
	}
	s.mu.Lock()
	s.leases[clientId] = &lease{paths: make(map[string]struct{}), lastSeen: s.now()}
	s.mu.Unlock()
	return &Conn{store: s, id: clientId}
}

// Settle blocks until every queued change notification has been delivered,
// including notifications caused by the handlers themselves.
func (s *Store) Settle() {
	s.pendingMu.Lock()
	for s.pending > 0 {
		s.idle.Wait()
	}
	s.pendingMu.Unlock()
}

func (s *Store) addPending(n int) {
	s.pendingMu.Lock()
	s.pending += n
	if s.pending == 0 {
		s.idle.Broadcast()
	}
	s.pendingMu.Unlock()
}

// ReapExpired removes the leased paths of dropped connections whose lease
// timeout has elapsed. Live connections hold their leases indefinitely.
func (s *Store) ReapExpired(ctx context.Context, now time.Time) ([]bus.Expiry, error) {
	s.mu.Lock()
	var expired []bus.Expiry
	var written []string
	for clientId, l := range s.leases {
		if !l.dropped || now.Sub(l.lastSeen) <= s.leaseTimeout {
			continue
		}
		e := bus.Expiry{ClientId: clientId}
		for p := range l.paths {
			e.Paths = append(e.Paths, p)
			s.removeLocked(p)
			written = append(written, p)
		}
		sort.Strings(e.Paths)
		expired = append(expired, e)
		delete(s.leases, clientId)
		s.dropSubsLocked(clientId)
	}
	s.mu.Unlock()

	for _, p := range written {
		s.notify(p)
	}
	return expired, nil
}

func (s *Store) children(path string) []bus.Child {
	var keys []string
	prefix := path + "/"
	for p := range s.leaves {
		if rest, ok := strings.CutPrefix(p, prefix); ok && rest != "" {
			if !strings.Contains(rest, "/") {
				keys = append(keys, p)
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool { return s.order[keys[i]] < s.order[keys[j]] })
	children := make([]bus.Child, 0, len(keys))
	for _, k := range keys {
		_, leaf := bus.Split(k)
		children = append(children, bus.Child{Key: leaf, Value: clone(s.leaves[k])})
	}
	return children
}

func (s *Store) snapshot(path string) bus.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bus.Snapshot{Path: path, Value: clone(s.leaves[path]), Children: s.children(path)}
}

func (s *Store) setLocked(path string, value []byte) {
	if _, ok := s.leaves[path]; !ok {
		s.seq++
		s.order[path] = s.seq
	}
	s.leaves[path] = clone(value)
}

func (s *Store) removeLocked(path string) {
	for p := range s.leaves {
		if bus.IsWithin(p, path) {
			delete(s.leaves, p)
			delete(s.order, p)
		}
	}
}

func (s *Store) dropSubsLocked(clientId string) {
	for id, sub := range s.subs {
		if sub.clientId == clientId {
			sub.stop()
			delete(s.subs, id)
		}
	}
}

func (s *Store) notify(written string) {
	s.mu.Lock()
	var targets []*subscription
	for _, sub := range s.subs {
		if bus.Related(sub.path, written) {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.enqueue()
	}
}

func (s *Store) touch(clientId string) bool {
	l, ok := s.leases[clientId]
	if !ok || l.dropped {
		return false
	}
	l.lastSeen = s.now()
	return true
}

type subscription struct {
	store    *Store
	clientId string
	path     string
	fn       func(bus.Snapshot)

	mu      sync.Mutex
	queued  bool
	started bool
	stopped bool
	wake    chan struct{}
}

func (sub *subscription) enqueue() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.stopped || sub.queued {
		return
	}
	sub.queued = true
	sub.store.addPending(1)
	if sub.started {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

func (sub *subscription) start() {
	go sub.loop()
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.started = true
	if sub.queued && !sub.stopped {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

func (sub *subscription) loop() {
	for range sub.wake {
		sub.mu.Lock()
		if !sub.queued {
			sub.mu.Unlock()
			continue
		}
		sub.queued = false
		stopped := sub.stopped
		sub.mu.Unlock()

		if !stopped {
			sub.fn(sub.store.snapshot(sub.path))
		}
		sub.store.addPending(-1)
	}
}

func (sub *subscription) stop() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.stopped {
		return
	}
	sub.stopped = true
	if sub.queued {
		sub.queued = false
		sub.store.addPending(-1)
	}
	close(sub.wake)
}

// Conn is one client's connection to a Store.
type Conn struct {
	store *Store
	id    string
}

func (c *Conn) ClientId() string {
	return c.id
}

func (c *Conn) Set(ctx context.Context, path string, value []byte) error {
	s := c.store
	s.mu.Lock()
	if !s.touch(c.id) {
		s.mu.Unlock()
		return bus.ErrClosed
	}
	s.setLocked(path, value)
	s.mu.Unlock()
	s.notify(path)
	return nil
}

func (c *Conn) Update(ctx context.Context, path string, fields map[string]any) error {
	s := c.store
	s.mu.Lock()
	if !s.touch(c.id) {
		s.mu.Unlock()
		return bus.ErrClosed
	}
	merged, err := bus.MergeFields(s.leaves[path], fields)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.setLocked(path, merged)
	s.mu.Unlock()
	s.notify(path)
	return nil
}

func (c *Conn) Get(ctx context.Context, path string) (bus.Snapshot, error) {
	s := c.store
	s.mu.Lock()
	ok := s.touch(c.id)
	s.mu.Unlock()
	if !ok {
		return bus.Snapshot{}, bus.ErrClosed
	}
	return s.snapshot(path), nil
}

func (c *Conn) Subscribe(ctx context.Context, path string, onSnapshot func(bus.Snapshot)) (func(), error) {
	s := c.store
	sub := &subscription{store: s, clientId: c.id, path: path, fn: onSnapshot, wake: make(chan struct{}, 1)}

	s.mu.Lock()
	if !s.touch(c.id) {
		s.mu.Unlock()
		return nil, bus.ErrClosed
	}
	s.subSeq++
	id := s.subSeq
	s.subs[id] = sub
	s.mu.Unlock()

	onSnapshot(s.snapshot(path))
	sub.start()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		sub.stop()
	}, nil
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
	s := c.store
	s.mu.Lock()
	if !s.touch(c.id) {
		s.mu.Unlock()
		return false, nil, bus.ErrClosed
	}
	if existing, ok := s.leaves[path]; ok {
		s.mu.Unlock()
		return false, clone(existing), nil
	}
	s.setLocked(path, value)
	s.mu.Unlock()
	s.notify(path)
	return true, clone(value), nil
}

func (c *Conn) RemoveOnDisconnect(ctx context.Context, path string) error {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.touch(c.id) {
		return bus.ErrClosed
	}
	s.leases[c.id].paths[path] = struct{}{}
	return nil
}

func (c *Conn) Remove(ctx context.Context, path string) error {
	s := c.store
	s.mu.Lock()
	if !s.touch(c.id) {
		s.mu.Unlock()
		return bus.ErrClosed
	}
	s.removeLocked(path)
	s.mu.Unlock()
	s.notify(path)
	return nil
}

// Close disconnects gracefully: leased paths are cleared immediately.
func (c *Conn) Close() error {
	s := c.store
	s.mu.Lock()
	l, ok := s.leases[c.id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	var written []string
	for p := range l.paths {
		s.removeLocked(p)
		written = append(written, p)
	}
	delete(s.leases, c.id)
	s.dropSubsLocked(c.id)
	s.mu.Unlock()

	for _, p := range written {
		s.notify(p)
	}
	return nil
}

// Drop simulates an abrupt network loss: the connection stops working and
// stops heartbeating, but its leased paths stay until the lease is reaped.
func (c *Conn) Drop() {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[c.id]; ok {
		l.dropped = true
		l.lastSeen = s.now()
	}
	s.dropSubsLocked(c.id)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

package subscribe

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthwire/hearthwire-core/internal/state"
)

// Logger defines the logging interface used by the Manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// StateReader resolves current server objects when deciding which of a
// subscriber's interests have gone stale.
type StateReader interface {
	Get(ctx context.Context, serial, key string) (*state.Object, error)
}

// Interest is one object a subscriber declared, with the revision and
// timestamp the client claims to hold.
type Interest struct {
	Key       string
	Revision  int64
	Timestamp int64
}

// Subscription is one parked long-poll response. It is ephemeral and
// in-memory only: created per request, destroyed on notify, timeout, or
// transport error.
type Subscription struct {
	Serial      string
	Session     string
	Interests   []Interest
	ConnectedAt time.Time

	deliverOnce sync.Once
	result      chan []*state.Object

	finishOnce sync.Once
	finished   chan struct{}
}

// NewSubscription creates a subscription for a device's declared
// interests. An empty session gets a generated one.
func NewSubscription(serial, session string, interests []Interest) *Subscription {
	if session == "" {
		session = uuid.NewString()
	}
	return &Subscription{
		Serial:      serial,
		Session:     session,
		Interests:   interests,
		ConnectedAt: time.Now(),
		result:      make(chan []*state.Object, 1),
		finished:    make(chan struct{}),
	}
}

// Result yields the delta when the subscription fires. A nil slice
// means the subscription expired or the server is shutting down and the
// response should close empty.
func (s *Subscription) Result() <-chan []*state.Object {
	return s.result
}

// Finish acknowledges that the transport has written and closed the
// response. Shutdown waits on this.
func (s *Subscription) Finish() {
	s.finishOnce.Do(func() { close(s.finished) })
}

// deliver hands the delta to the parked handler exactly once.
func (s *Subscription) deliver(objs []*state.Object) {
	s.deliverOnce.Do(func() {
		s.result <- objs
		close(s.result)
	})
}

// Manager parks long-poll subscriptions keyed by device serial, routes
// change notifications to them, and enforces a per-device cap and an
// idle deadline.
//
// Ordering: concurrent notifies for the same serial serialise on a
// per-serial mutex, so a subscriber that wakes for revision R can never
// be followed by a delivery of R-1.
type Manager struct {
	reader        StateReader
	logger        Logger
	maxPerDevice  int
	timeout       time.Duration
	sweepInterval time.Duration

	mu       sync.Mutex
	bySerial map[string][]*Subscription
	closed   bool

	serialMuMu sync.Mutex
	serialMu   map[string]*sync.Mutex
}

// Config holds Manager tuning.
type Config struct {
	// MaxPerDevice caps simultaneous parked subscriptions per serial.
	MaxPerDevice int

	// Timeout is the hard deadline for a parked subscription.
	Timeout time.Duration

	// SweepInterval is how often expired subscriptions are reaped.
	SweepInterval time.Duration
}

// NewManager creates a subscription manager. Run must be started for
// the timeout sweeper to operate.
func NewManager(reader StateReader, cfg Config) *Manager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	return &Manager{
		reader:        reader,
		logger:        noopLogger{},
		maxPerDevice:  cfg.MaxPerDevice,
		timeout:       cfg.Timeout,
		sweepInterval: cfg.SweepInterval,
		bySerial:      make(map[string][]*Subscription),
		serialMu:      make(map[string]*sync.Mutex),
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Add parks a subscription. It returns false when the device is at its
// cap or the manager is shutting down; the caller surfaces a rate-limit
// response.
func (m *Manager) Add(sub *Subscription) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	if len(m.bySerial[sub.Serial]) >= m.maxPerDevice {
		return false
	}
	m.bySerial[sub.Serial] = append(m.bySerial[sub.Serial], sub)
	return true
}

// Remove discards a subscription without delivering anything, for the
// transport-error path. Safe to call after the subscription fired.
func (m *Manager) Remove(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(sub)
}

func (m *Manager) removeLocked(sub *Subscription) {
	subs := m.bySerial[sub.Serial]
	for i, s := range subs {
		if s == sub {
			m.bySerial[sub.Serial] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(m.bySerial[sub.Serial]) == 0 {
		delete(m.bySerial, sub.Serial)
	}
}

// Count returns the number of parked subscriptions for a serial.
func (m *Manager) Count(serial string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bySerial[serial])
}

// Notify wakes every subscriber of the serial whose declared interests
// are now stale, delivering the stale objects and closing the
// subscriptions. Returns how many subscribers fired and were removed.
func (m *Manager) Notify(ctx context.Context, serial, key string, obj *state.Object) (notified, removed int) {
	return m.NotifyAll(ctx, serial, []*state.Object{obj})
}

// NotifyAll is Notify for a batch of updated objects, delivering each
// subscriber a single delta.
func (m *Manager) NotifyAll(ctx context.Context, serial string, objs []*state.Object) (notified, removed int) {
	smu := m.serialMutex(serial)
	smu.Lock()
	defer smu.Unlock()

	updated := make(map[string]*state.Object, len(objs))
	for _, obj := range objs {
		if obj != nil {
			updated[obj.Key] = obj
		}
	}

	m.mu.Lock()
	subs := make([]*Subscription, len(m.bySerial[serial]))
	copy(subs, m.bySerial[serial])
	m.mu.Unlock()

	for _, sub := range subs {
		delta := m.staleObjects(ctx, sub, updated)
		if len(delta) == 0 {
			continue
		}

		m.mu.Lock()
		m.removeLocked(sub)
		m.mu.Unlock()

		sub.deliver(delta)
		notified++
		removed++
	}

	return notified, removed
}

// staleObjects returns the declared interests whose server state is
// strictly newer than what the client reported.
func (m *Manager) staleObjects(ctx context.Context, sub *Subscription, updated map[string]*state.Object) []*state.Object {
	var delta []*state.Object
	for _, interest := range sub.Interests {
		current, ok := updated[interest.Key]
		if !ok {
			var err error
			current, err = m.reader.Get(ctx, sub.Serial, interest.Key)
			if err != nil {
				m.logger.Warn("resolving interest during notify",
					"serial", sub.Serial, "key", interest.Key, "error", err)
				continue
			}
		}
		if state.IsServerNewer(current, interest.Revision, interest.Timestamp) {
			delta = append(delta, current.Clone())
		}
	}
	return delta
}

// Run drives the timeout sweeper until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

// sweep expires subscriptions past their deadline, closing their
// responses with an empty result.
func (m *Manager) sweep(now time.Time) {
	var expired []*Subscription

	m.mu.Lock()
	for _, subs := range m.bySerial {
		for _, sub := range subs {
			if now.Sub(sub.ConnectedAt) >= m.timeout {
				expired = append(expired, sub)
			}
		}
	}
	for _, sub := range expired {
		m.removeLocked(sub)
	}
	m.mu.Unlock()

	for _, sub := range expired {
		sub.deliver(nil)
	}

	if len(expired) > 0 {
		m.logger.Debug("expired stale subscriptions", "count", len(expired))
	}
}

// Shutdown drains every parked subscription with an empty result and
// waits, up to the context deadline, for the transports to acknowledge
// closing their responses.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	var all []*Subscription
	for _, subs := range m.bySerial {
		all = append(all, subs...)
	}
	m.bySerial = make(map[string][]*Subscription)
	m.mu.Unlock()

	for _, sub := range all {
		sub.deliver(nil)
	}

	for _, sub := range all {
		select {
		case <-sub.finished:
		case <-ctx.Done():
			m.logger.Warn("shutdown abandoned waiting for subscriber close",
				"serial", sub.Serial, "session", sub.Session)
			return
		}
	}
}

// serialMutex returns the notify-ordering mutex for a serial.
func (m *Manager) serialMutex(serial string) *sync.Mutex {
	m.serialMuMu.Lock()
	defer m.serialMuMu.Unlock()
	mu, ok := m.serialMu[serial]
	if !ok {
		mu = &sync.Mutex{}
		m.serialMu[serial] = mu
	}
	return mu
}

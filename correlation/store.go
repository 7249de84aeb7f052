package correlation

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/companion-labs/gateway/observability"
)

const defaultAwaitTimeout = 30 * time.Second

// Issuer sends the outbound request backing a pull. It runs outside the
// store lock; a returned error marks the entry FAILED immediately.
type Issuer func(ctx context.Context) error

type entry struct {
	status      Status
	requestedAt time.Time
	receivedAt  time.Time
	payload     json.RawMessage
	done        chan struct{} // closed when the entry leaves PENDING
}

// Store is the keyed pending/received/failed map behind every pull
// operation. At most one live request exists per key; a settled entry is
// superseded in place on refresh, never mutated by two concurrent pulls.
// Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[Key]*entry

	awaitTimeout time.Duration
	observer     observability.Observer
	now          func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithAwaitTimeout overrides the default await deadline.
func WithAwaitTimeout(d time.Duration) Option {
	return func(s *Store) { s.awaitTimeout = d }
}

// WithObserver overrides the default NoOpObserver.
func WithObserver(o observability.Observer) Option {
	return func(s *Store) { s.observer = o }
}

// WithClock overrides the time source, for staleness tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty correlation store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		entries:      make(map[Key]*entry),
		awaitTimeout: defaultAwaitTimeout,
		observer:     observability.NoOpObserver{},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pull ensures a live request exists for key. When no entry exists, the
// entry is FAILED, or a RECEIVED entry is older than its kind's refresh
// window, a fresh PENDING entry is recorded and issue is invoked. A second
// pull while the first is PENDING is a no-op; the caller observes and waits
// on the request the first pull issued.
func (s *Store) Pull(ctx context.Context, key Key, issue Issuer) error {
	now := s.now()

	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		if e.status == StatusPending {
			s.mu.Unlock()
			return nil
		}
		if e.status == StatusReceived && now.Sub(e.requestedAt) < key.Kind.RefreshWindow() {
			s.mu.Unlock()
			return nil
		}
	}

	fresh := &entry{
		status:      StatusPending,
		requestedAt: now,
		done:        make(chan struct{}),
	}
	if prev, ok := s.entries[key]; ok {
		// A degraded waiter gets the superseded value rather than nothing.
		fresh.payload = prev.payload
	}
	s.entries[key] = fresh
	s.mu.Unlock()

	s.observer.OnEvent(ctx, observability.Event{
		Type:      observability.EventPullIssued,
		Level:     observability.LevelVerbose,
		Timestamp: now,
		Source:    "correlation.Store",
		Data:      map[string]any{"key": key.String()},
	})

	if err := issue(ctx); err != nil {
		s.settle(ctx, key, fresh, StatusFailed, nil)
		return err
	}
	return nil
}

// Resolve settles the pending entry for key with the response payload.
// A response for a key that was never pulled is recorded anyway (and
// reported as an orphan); a response for an already-settled entry is
// rejected with ErrInvalidTransition.
func (s *Store) Resolve(ctx context.Context, key Key, payload json.RawMessage) error {
	return s.settleResponse(ctx, key, StatusReceived, payload)
}

// Fail settles the pending entry for key as FAILED, keeping any previous
// payload for degraded reads.
func (s *Store) Fail(ctx context.Context, key Key) error {
	return s.settleResponse(ctx, key, StatusFailed, nil)
}

func (s *Store) settleResponse(ctx context.Context, key Key, to Status, payload json.RawMessage) error {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{
			status:      StatusPending,
			requestedAt: s.now(),
			done:        make(chan struct{}),
		}
		s.entries[key] = e
		s.mu.Unlock()

		s.observer.OnEvent(ctx, observability.Event{
			Type:      observability.EventResponseOrphan,
			Level:     observability.LevelWarning,
			Timestamp: s.now(),
			Source:    "correlation.Store",
			Data:      map[string]any{"key": key.String()},
		})
	} else {
		s.mu.Unlock()
	}

	if !s.settle(ctx, key, e, to, payload) {
		s.observer.OnEvent(ctx, observability.Event{
			Type:      observability.EventPayloadRejected,
			Level:     observability.LevelWarning,
			Timestamp: s.now(),
			Source:    "correlation.Store",
			Data:      map[string]any{"key": key.String(), "status": to.String()},
		})
		return ErrInvalidTransition
	}
	return nil
}

// settle transitions e out of PENDING and wakes waiters. Returns false when
// e already settled or was superseded under the key.
func (s *Store) settle(ctx context.Context, key Key, e *entry, to Status, payload json.RawMessage) bool {
	s.mu.Lock()
	current, ok := s.entries[key]
	if !ok || current != e || !e.status.canTransition(to) {
		s.mu.Unlock()
		return false
	}
	e.status = to
	e.receivedAt = s.now()
	if payload != nil {
		e.payload = payload
	}
	close(e.done)
	s.mu.Unlock()

	eventType := observability.EventPullResolved
	level := observability.LevelVerbose
	if to == StatusFailed {
		eventType = observability.EventPullFailed
		level = observability.LevelWarning
	}
	s.observer.OnEvent(ctx, observability.Event{
		Type:      eventType,
		Level:     level,
		Timestamp: s.now(),
		Source:    "correlation.Store",
		Data:      map[string]any{"key": key.String()},
	})
	return true
}

// Await blocks until the entry for key leaves PENDING, then returns a copy
// of its payload. The copy is structurally independent from the store, so
// caller mutation never corrupts the cache. A FAILED entry unblocks with the
// previous payload and ErrRequestFailed. When neither the response nor the
// store's await deadline arrives in time the entry is marked FAILED and
// ErrAwaitTimeout is returned.
func (s *Store) Await(ctx context.Context, key Key) (json.RawMessage, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNoRequest
	}
	if e.status != StatusPending {
		payload := slices.Clone(e.payload)
		status := e.status
		s.mu.Unlock()
		return payload, statusErr(status)
	}
	done := e.done
	s.mu.Unlock()

	timer := time.NewTimer(s.awaitTimeout)
	defer timer.Stop()

	select {
	case <-done:
		s.mu.Lock()
		payload := slices.Clone(e.payload)
		status := e.status
		s.mu.Unlock()
		return payload, statusErr(status)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		s.observer.OnEvent(ctx, observability.Event{
			Type:      observability.EventAwaitTimeout,
			Level:     observability.LevelWarning,
			Timestamp: s.now(),
			Source:    "correlation.Store",
			Data:      map[string]any{"key": key.String(), "timeout": s.awaitTimeout.String()},
		})
		s.settle(ctx, key, e, StatusFailed, nil)
		return nil, ErrAwaitTimeout
	}
}

// Fetch is the common pull-then-await round trip. An issuing failure settles
// the entry, so the subsequent Await surfaces it as ErrRequestFailed with
// whatever previous payload the key held.
func (s *Store) Fetch(ctx context.Context, key Key, issue Issuer) (json.RawMessage, error) {
	if err := s.Pull(ctx, key, issue); err != nil {
		return s.Await(ctx, key)
	}
	return s.Await(ctx, key)
}

// Status reports the current status of key's entry.
func (s *Store) Status(key Key) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return 0, false
	}
	return e.status, true
}

func statusErr(status Status) error {
	if status == StatusFailed {
		return ErrRequestFailed
	}
	return nil
}

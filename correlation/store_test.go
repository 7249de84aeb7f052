package correlation_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/companion-labs/gateway/correlation"
)

func noIssue(ctx context.Context) error { return nil }

func TestPullIssuesOnceWhilePending(t *testing.T) {
	store := correlation.NewStore()
	key := correlation.ProfileKey("T1")

	var issued atomic.Int32
	issue := func(ctx context.Context) error {
		issued.Add(1)
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Pull(context.Background(), key, issue); err != nil {
				t.Errorf("Pull failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := issued.Load(); got != 1 {
		t.Errorf("issued %d requests for one pending key, want 1", got)
	}
}

func TestRefreshWindow(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	store := correlation.NewStore(correlation.WithClock(clock))
	key := correlation.CalendarKey("T1", now)

	var issued atomic.Int32
	issue := func(ctx context.Context) error {
		issued.Add(1)
		return nil
	}

	ctx := context.Background()
	if err := store.Pull(ctx, key, issue); err != nil {
		t.Fatalf("first pull: %v", err)
	}
	if err := store.Resolve(ctx, key, json.RawMessage(`{"calendar":[]}`)); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Fresh entry: served from cache, no new outbound request.
	now = now.Add(time.Minute)
	if err := store.Pull(ctx, key, issue); err != nil {
		t.Fatalf("second pull: %v", err)
	}
	if got := issued.Load(); got != 1 {
		t.Fatalf("fresh entry re-issued, issued = %d", got)
	}

	// Past the calendar refresh window: eligible for replacement.
	now = now.Add(10 * time.Minute)
	if err := store.Pull(ctx, key, issue); err != nil {
		t.Fatalf("stale pull: %v", err)
	}
	if got := issued.Load(); got != 2 {
		t.Errorf("stale entry not re-issued, issued = %d", got)
	}
	if status, ok := store.Status(key); !ok || status != correlation.StatusPending {
		t.Errorf("superseded entry status = %v, want pending", status)
	}
}

func TestFailedEntryIsReplacedOnNextPull(t *testing.T) {
	store := correlation.NewStore()
	key := correlation.ProfileKey("T1")
	ctx := context.Background()

	if err := store.Pull(ctx, key, noIssue); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if err := store.Fail(ctx, key); err != nil {
		t.Fatalf("fail: %v", err)
	}

	var issued atomic.Int32
	if err := store.Pull(ctx, key, func(ctx context.Context) error {
		issued.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("pull after failure: %v", err)
	}
	if issued.Load() != 1 {
		t.Error("failed entry did not trigger a fresh request")
	}
}

func TestAwaitReturnsIndependentCopy(t *testing.T) {
	store := correlation.NewStore()
	key := correlation.ProfileKey("T1")
	ctx := context.Background()

	if err := store.Pull(ctx, key, noIssue); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if err := store.Resolve(ctx, key, json.RawMessage(`{"name":"Anna"}`)); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	first, err := store.Await(ctx, key)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	for i := range first {
		first[i] = 'x'
	}

	second, err := store.Await(ctx, key)
	if err != nil {
		t.Fatalf("second await: %v", err)
	}
	if string(second) != `{"name":"Anna"}` {
		t.Errorf("cache corrupted by caller mutation: %s", second)
	}
}

func TestAwaitUnblocksOnResolve(t *testing.T) {
	store := correlation.NewStore()
	key := correlation.ReportsKey("T1", time.Now())
	ctx := context.Background()

	if err := store.Pull(ctx, key, noIssue); err != nil {
		t.Fatalf("pull: %v", err)
	}

	got := make(chan json.RawMessage, 1)
	go func() {
		payload, err := store.Await(ctx, key)
		if err != nil {
			t.Errorf("await: %v", err)
		}
		got <- payload
	}()

	time.Sleep(10 * time.Millisecond)
	if err := store.Resolve(ctx, key, json.RawMessage(`{"reports":[1]}`)); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	select {
	case payload := <-got:
		if string(payload) != `{"reports":[1]}` {
			t.Errorf("await payload = %s", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("await did not unblock on resolve")
	}
}

func TestAwaitDeadlineMarksFailed(t *testing.T) {
	store := correlation.NewStore(correlation.WithAwaitTimeout(20 * time.Millisecond))
	key := correlation.ProfileKey("T-silent")
	ctx := context.Background()

	if err := store.Pull(ctx, key, noIssue); err != nil {
		t.Fatalf("pull: %v", err)
	}

	_, err := store.Await(ctx, key)
	if !errors.Is(err, correlation.ErrAwaitTimeout) {
		t.Fatalf("err = %v, want ErrAwaitTimeout", err)
	}
	if status, _ := store.Status(key); status != correlation.StatusFailed {
		t.Errorf("status after timeout = %v, want failed", status)
	}

	// The late response must not mutate the settled entry.
	if err := store.Resolve(ctx, key, json.RawMessage(`{}`)); !errors.Is(err, correlation.ErrInvalidTransition) {
		t.Errorf("late resolve err = %v, want ErrInvalidTransition", err)
	}
}

func TestIssuerFailureUnblocksWaiter(t *testing.T) {
	store := correlation.NewStore()
	key := correlation.GeocodeKey("Nijmegen, Nederland")
	ctx := context.Background()

	issueErr := errors.New("no api key")
	payload, err := store.Fetch(ctx, key, func(ctx context.Context) error {
		return issueErr
	})
	if !errors.Is(err, correlation.ErrRequestFailed) {
		t.Fatalf("err = %v, want ErrRequestFailed", err)
	}
	if len(payload) != 0 {
		t.Errorf("payload = %s, want empty", payload)
	}
}

func TestAwaitWithoutRequest(t *testing.T) {
	store := correlation.NewStore()

	_, err := store.Await(context.Background(), correlation.ProfileKey("nobody"))
	if !errors.Is(err, correlation.ErrNoRequest) {
		t.Errorf("err = %v, want ErrNoRequest", err)
	}
}

func TestOrphanResponseIsRecorded(t *testing.T) {
	store := correlation.NewStore()
	key := correlation.ProfileKey("T1")
	ctx := context.Background()

	if err := store.Resolve(ctx, key, json.RawMessage(`{"id":7}`)); err != nil {
		t.Fatalf("orphan resolve: %v", err)
	}

	payload, err := store.Await(ctx, key)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if string(payload) != `{"id":7}` {
		t.Errorf("payload = %s", payload)
	}
}

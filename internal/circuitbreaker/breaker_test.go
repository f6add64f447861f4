package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func failing(ctx context.Context) error { return errBoom }
func succeeding(ctx context.Context) error { return nil }

func newTestBreaker(threshold int, recovery time.Duration, halfOpen int, clock *fakeClock) *Breaker {
	return New("obs", Settings{
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
		HalfOpenMaxCalls: halfOpen,
	}, Hooks{}, WithClock(clock.Now))
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b := newTestBreaker(3, time.Minute, 1, newFakeClock())
	if err := b.Call(context.Background(), succeeding); err != nil {
		t.Fatalf("expected closed circuit to allow, got %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %v", b.State())
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	for _, threshold := range []int{1, 3, 5} {
		b := newTestBreaker(threshold, time.Minute, 1, newFakeClock())
		for i := 0; i < threshold; i++ {
			if err := b.Call(context.Background(), failing); !errors.Is(err, errBoom) {
				t.Fatalf("call %d: expected errBoom, got %v", i, err)
			}
		}

		var invoked bool
		err := b.Call(context.Background(), func(context.Context) error {
			invoked = true
			return nil
		})
		if !errors.Is(err, ErrOpen) {
			t.Fatalf("threshold %d: expected ErrOpen, got %v", threshold, err)
		}
		if invoked {
			t.Fatalf("threshold %d: operation must not run while open", threshold)
		}
	}
}

func TestBreaker_StaysClosedBelowThreshold(t *testing.T) {
	b := newTestBreaker(3, time.Minute, 1, newFakeClock())
	_ = b.Call(context.Background(), failing)
	_ = b.Call(context.Background(), failing)
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed before threshold, got %v", b.State())
	}
}

func TestBreaker_OpenToHalfOpenAfterRecovery(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(2, 30*time.Second, 1, clock)

	_ = b.Call(context.Background(), failing)
	_ = b.Call(context.Background(), failing)

	clock.Advance(29 * time.Second)
	if err := b.Call(context.Background(), succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen before recovery timeout, got %v", err)
	}

	clock.Advance(time.Second)

	// The first probe is admitted; while it is in flight a second call is rejected.
	probeStarted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Call(context.Background(), func(context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()
	<-probeStarted

	if b.State() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen during probe, got %v", b.State())
	}
	var invoked atomic.Bool
	err := b.Call(context.Background(), func(context.Context) error {
		invoked.Store(true)
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected second half-open call to be rejected, got %v", err)
	}
	if invoked.Load() {
		t.Fatal("rejected probe must not run")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe returned %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed after successful probe, got %v", b.State())
	}
}

func TestBreaker_HalfOpenMaxCalls(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(1, time.Second, 3, clock)
	_ = b.Call(context.Background(), failing)
	clock.Advance(time.Second)

	var wg sync.WaitGroup
	var admitted atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Call(context.Background(), func(context.Context) error {
				admitted.Add(1)
				<-release
				return nil
			})
		}()
	}

	deadline := time.Now().Add(time.Second)
	for admitted.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := b.Call(context.Background(), succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected 4th probe to be rejected, got %v", err)
	}
	close(release)
	wg.Wait()

	if admitted.Load() != 3 {
		t.Fatalf("expected 3 admitted probes, got %d", admitted.Load())
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(2, time.Second, 1, clock)

	_ = b.Call(context.Background(), failing)
	_ = b.Call(context.Background(), failing)
	clock.Advance(time.Second)

	if err := b.Call(context.Background(), succeeding); err != nil {
		t.Fatalf("probe should succeed, got %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed after success, got %v", b.State())
	}
	if snap := b.Snapshot(); snap.Failures != 0 {
		t.Fatalf("expected failures reset to 0, got %d", snap.Failures)
	}

	// A fresh run of failures is needed to trip again.
	_ = b.Call(context.Background(), failing)
	if b.State() != StateClosed {
		t.Fatal("one failure after recovery should not trip a threshold-2 breaker")
	}
}

func TestBreaker_LateSuccessDoesNotCloseOpenCircuit(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(1, time.Minute, 1, clock)

	started := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Call(context.Background(), func(context.Context) error {
			close(started)
			<-finish
			return nil
		})
	}()
	<-started

	_ = b.Call(context.Background(), failing)
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen after failure, got %v", b.State())
	}

	close(finish)
	if err := <-done; err != nil {
		t.Fatalf("in-flight call: %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("in-flight success moved open circuit to %v", b.State())
	}
	if err := b.Call(context.Background(), succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen before recovery timeout, got %v", err)
	}

	clock.Advance(time.Minute)
	if err := b.Call(context.Background(), succeeding); err != nil {
		t.Fatalf("probe should succeed, got %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed after probe, got %v", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(2, time.Second, 1, clock)

	_ = b.Call(context.Background(), failing)
	_ = b.Call(context.Background(), failing)
	clock.Advance(time.Second)

	_ = b.Call(context.Background(), failing)
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen after half-open failure, got %v", b.State())
	}
	if !b.Snapshot().LastFailure.Equal(clock.Now()) {
		t.Fatal("expected last failure time to move to the probe failure")
	}
	if err := b.Call(context.Background(), succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected fail-fast right after reopening, got %v", err)
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b := newTestBreaker(3, time.Minute, 1, newFakeClock())

	_ = b.Call(context.Background(), failing)
	_ = b.Call(context.Background(), failing)
	_ = b.Call(context.Background(), succeeding)
	_ = b.Call(context.Background(), failing)

	if b.State() != StateClosed {
		t.Fatal("should still be closed after reset")
	}
}

func TestBreaker_NonFailureErrorsDoNotTrip(t *testing.T) {
	errCaller := errors.New("bad input")
	b := New("obs", Settings{FailureThreshold: 1}, Hooks{},
		WithFailurePredicate(func(err error) bool { return !errors.Is(err, errCaller) }))

	for i := 0; i < 5; i++ {
		if err := b.Call(context.Background(), func(context.Context) error { return errCaller }); !errors.Is(err, errCaller) {
			t.Fatalf("expected caller error back, got %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("caller errors must not trip the breaker, got %v", b.State())
	}
}

func TestBreaker_PanicCountsAsFailure(t *testing.T) {
	b := newTestBreaker(1, time.Minute, 1, newFakeClock())
	err := b.Call(context.Background(), func(context.Context) error { panic("kaboom") })
	if err == nil {
		t.Fatal("expected error from panicking operation")
	}
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State())
	}
}

func TestBreaker_Hooks(t *testing.T) {
	clock := newFakeClock()
	transitions := make(chan [2]State, 4)
	failures := make(chan error, 4)
	successes := make(chan string, 4)

	b := New("obs", Settings{FailureThreshold: 1, RecoveryTimeout: time.Second}, Hooks{
		OnStateChange: func(key string, from, to State) { transitions <- [2]State{from, to} },
		OnFailure:     func(key string, err error) { failures <- err },
		OnSuccess:     func(key string) { successes <- key },
	}, WithClock(clock.Now))

	_ = b.Call(context.Background(), failing)
	clock.Advance(time.Second)
	_ = b.Call(context.Background(), succeeding)

	want := [][2]State{{StateClosed, StateOpen}, {StateOpen, StateHalfOpen}, {StateHalfOpen, StateClosed}}
	got := make(map[[2]State]bool)
	for range want {
		select {
		case tr := <-transitions:
			got[tr] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for transitions, got %v", got)
		}
	}
	for _, w := range want {
		if !got[w] {
			t.Errorf("missing transition %v→%v", w[0], w[1])
		}
	}

	select {
	case err := <-failures:
		if !errors.Is(err, errBoom) {
			t.Errorf("expected errBoom in failure hook, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("failure hook not called")
	}
	select {
	case key := <-successes:
		if key != "obs" {
			t.Errorf("expected key obs, got %q", key)
		}
	case <-time.After(time.Second):
		t.Fatal("success hook not called")
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := newTestBreaker(1, time.Hour, 1, newFakeClock())
	_ = b.Call(context.Background(), failing)
	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed after reset, got %v", b.State())
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

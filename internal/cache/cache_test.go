package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"skirmish/master/internal/logging"
)

type gatedFetcher struct {
	mu      sync.Mutex
	calls   int32
	release chan struct{}
	value   int
	err     error
}

func newGatedFetcher(value int) *gatedFetcher {
	return &gatedFetcher{release: make(chan struct{}), value: value}
}

func (f *gatedFetcher) fetch(ctx context.Context, key string) (int, error) {
	atomic.AddInt32(&f.calls, 1)
	<-f.release
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

func (f *gatedFetcher) callCount() int32 { return atomic.LoadInt32(&f.calls) }

type delivered struct {
	mu     sync.Mutex
	values []int
	errs   []error
	done   chan struct{}
}

func newDelivered() *delivered {
	return &delivered{done: make(chan struct{})}
}

func (d *delivered) deliverFn(expected int) func(int, error) {
	var count int32
	return func(value int, err error) {
		d.mu.Lock()
		d.values = append(d.values, value)
		d.errs = append(d.errs, err)
		d.mu.Unlock()
		if atomic.AddInt32(&count, 1) == int32(expected) {
			close(d.done)
		}
	}
}

func (d *delivered) wait(t *testing.T) {
	t.Helper()
	select {
	case <-d.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("deliveries never arrived")
	}
}

func TestColdMissSingleFlight(t *testing.T) {
	fetcher := newGatedFetcher(41)
	c := New(fetcher.fetch, time.Minute, time.Hour, logging.NewTestLogger())

	sink := newDelivered()
	deliver := sink.deliverFn(2)

	//1.- Two concurrent requesters for the same cold key must share one fetch.
	c.Get(context.Background(), "level-7", "s1", deliver)
	c.Get(context.Background(), "level-7", "s2", deliver)

	if got := fetcher.callCount(); got != 1 {
		t.Fatalf("expected exactly one in-flight fetch, got %d", got)
	}

	close(fetcher.release)
	sink.wait(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.values) != 2 || sink.values[0] != 41 || sink.values[1] != 41 {
		t.Fatalf("both waiters must receive the computed value, got %v", sink.values)
	}
	if sink.errs[0] != nil || sink.errs[1] != nil {
		t.Fatalf("unexpected errors: %v", sink.errs)
	}
}

func TestFreshHitServedImmediately(t *testing.T) {
	fetcher := newGatedFetcher(7)
	close(fetcher.release)
	c := New(fetcher.fetch, time.Minute, time.Hour, logging.NewTestLogger())

	first := newDelivered()
	c.Get(context.Background(), "k", "s1", first.deliverFn(1))
	first.wait(t)

	//1.- The second Get must answer synchronously from the fresh entry.
	var value int
	synchronous := false
	c.Get(context.Background(), "k", "s2", func(v int, err error) {
		value = v
		synchronous = true
	})
	if !synchronous || value != 7 {
		t.Fatalf("fresh hit not served on the caller's path: %v %d", synchronous, value)
	}
	if fetcher.callCount() != 1 {
		t.Fatalf("fresh hit must not refetch, calls=%d", fetcher.callCount())
	}
}

func TestStaleServedWhileRefreshing(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	current := now
	clock := func() time.Time { return current }

	fetcher := newGatedFetcher(1)
	close(fetcher.release)
	c := New(fetcher.fetch, time.Minute, time.Hour, logging.NewTestLogger(), WithClock[string, int](clock))

	seed := newDelivered()
	c.Get(context.Background(), "k", "s1", seed.deliverFn(1))
	seed.wait(t)

	//1.- Move past the freshness window and change what the store would answer.
	current = now.Add(2 * time.Minute)
	fetcher.mu.Lock()
	fetcher.value = 2
	fetcher.mu.Unlock()

	var stale int
	staleSeen := make(chan struct{})
	c.Get(context.Background(), "k", "s2", func(v int, err error) {
		stale = v
		close(staleSeen)
	})
	<-staleSeen
	if stale != 1 {
		t.Fatalf("stale caller must get the old value immediately, got %d", stale)
	}

	//2.- Eventually the refresh lands and a later Get sees the new value.
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := -1
		done := make(chan struct{})
		c.Get(context.Background(), "k", "s3", func(v int, err error) {
			got = v
			close(done)
		})
		<-done
		if got == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("refreshed value never became visible, last=%d", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBusyRefreshEnqueuesWaiters(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	current := now
	fetcher := newGatedFetcher(10)
	c := New(fetcher.fetch, time.Minute, time.Hour, logging.NewTestLogger(), WithClock[string, int](func() time.Time { return current }))

	sink := newDelivered()
	c.Get(context.Background(), "k", "s1", sink.deliverFn(1))
	if fetcher.callCount() != 1 {
		t.Fatalf("cold miss must start one fetch")
	}

	//1.- While busy, new callers join the queue instead of starting a second fetch.
	waiters := newDelivered()
	deliver := waiters.deliverFn(2)
	c.Get(context.Background(), "k", "s2", deliver)
	c.Get(context.Background(), "k", "s3", deliver)
	if fetcher.callCount() != 1 {
		t.Fatalf("busy key must not refetch, calls=%d", fetcher.callCount())
	}

	close(fetcher.release)
	sink.wait(t)
	waiters.wait(t)

	waiters.mu.Lock()
	defer waiters.mu.Unlock()
	if waiters.values[0] != 10 || waiters.values[1] != 10 {
		t.Fatalf("waiters got wrong values: %v", waiters.values)
	}
}

func TestDeadWaitersAreDropped(t *testing.T) {
	fetcher := newGatedFetcher(5)
	alive := map[string]bool{"alive": true, "gone": false}
	c := New(fetcher.fetch, time.Minute, time.Hour, logging.NewTestLogger(),
		WithAliveCheck[string, int](func(id string) bool { return alive[id] }))

	sink := newDelivered()
	var goneDelivered int32
	c.Get(context.Background(), "k", "gone", func(int, error) { atomic.AddInt32(&goneDelivered, 1) })
	c.Get(context.Background(), "k", "alive", sink.deliverFn(1))

	close(fetcher.release)
	sink.wait(t)

	if atomic.LoadInt32(&goneDelivered) != 0 {
		t.Fatalf("vanished session must not receive a delivery")
	}
}

func TestRefreshErrorReachesWaiters(t *testing.T) {
	fetcher := newGatedFetcher(0)
	fetcher.err = context.DeadlineExceeded
	c := New(fetcher.fetch, time.Minute, time.Hour, logging.NewTestLogger())

	sink := newDelivered()
	c.Get(context.Background(), "k", "s1", sink.deliverFn(1))
	close(fetcher.release)
	sink.wait(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.errs[0] == nil {
		t.Fatalf("waiter must hear about the failed computation")
	}
}

func TestSweepEvictsUntouchedEntries(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	current := now
	fetcher := newGatedFetcher(1)
	close(fetcher.release)
	c := New(fetcher.fetch, time.Minute, 10*time.Minute, logging.NewTestLogger(), WithClock[string, int](func() time.Time { return current }))

	seed := newDelivered()
	c.Get(context.Background(), "old", "s1", seed.deliverFn(1))
	seed.wait(t)

	current = now.Add(11 * time.Minute)
	if evicted := c.Sweep(); evicted != 1 {
		t.Fatalf("expected one eviction, got %d", evicted)
	}
	if c.Len() != 0 {
		t.Fatalf("entry survived the sweep")
	}

	//1.- A post-eviction Get is an ordinary cold miss, not an error.
	followUp := newDelivered()
	c.Get(context.Background(), "old", "s1", followUp.deliverFn(1))
	followUp.wait(t)
}

func TestSweepSparesBusyEntries(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	current := now
	fetcher := newGatedFetcher(1)
	c := New(fetcher.fetch, time.Minute, 10*time.Minute, logging.NewTestLogger(), WithClock[string, int](func() time.Time { return current }))

	sink := newDelivered()
	c.Get(context.Background(), "k", "s1", sink.deliverFn(1))

	current = now.Add(time.Hour)
	if evicted := c.Sweep(); evicted != 0 {
		t.Fatalf("busy entry with waiters must not be evicted")
	}

	close(fetcher.release)
	sink.wait(t)
}

package metacache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/higlass/simple-httpfs/pkg/fetch"
	"github.com/higlass/simple-httpfs/pkg/fserr"
	"github.com/higlass/simple-httpfs/pkg/resolver"
)

type fakeProber struct {
	calls   atomic.Int32
	entered chan struct{} // closed when the first probe starts, if set
	release chan struct{} // probe blocks on this until closed, if set

	mu    sync.Mutex
	attrs fetch.Attributes
	err   error
}

func (p *fakeProber) Probe(ctx context.Context, target resolver.Target) (fetch.Attributes, error) {
	if p.calls.Add(1) == 1 && p.entered != nil {
		close(p.entered)
	}
	if p.release != nil {
		<-p.release
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attrs, p.err
}

func (p *fakeProber) set(attrs fetch.Attributes, err error) {
	p.mu.Lock()
	p.attrs = attrs
	p.err = err
	p.mu.Unlock()
}

func testTarget() resolver.Target {
	return resolver.Target{Scheme: "https", Host: "example.com", Path: "/data.bin"}
}

func TestAttributes_CachedUntilTTL(t *testing.T) {
	prober := &fakeProber{}
	prober.set(fetch.Attributes{Size: 42}, nil)
	cache := New(prober, time.Hour)

	for i := 0; i < 5; i++ {
		attrs, err := cache.Attributes(context.Background(), testTarget())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if attrs.Size != 42 {
			t.Fatalf("expected size 42, got %d", attrs.Size)
		}
	}

	if n := prober.calls.Load(); n != 1 {
		t.Errorf("expected 1 probe for repeated lookups, got %d", n)
	}
}

func TestAttributes_ExpiryTriggersReprobe(t *testing.T) {
	prober := &fakeProber{}
	prober.set(fetch.Attributes{Size: 42}, nil)
	cache := New(prober, 20*time.Millisecond)

	if _, err := cache.Attributes(context.Background(), testTarget()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(40 * time.Millisecond)
	prober.set(fetch.Attributes{Size: 99}, nil)

	attrs, err := cache.Attributes(context.Background(), testTarget())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attrs.Size != 99 {
		t.Errorf("expected refreshed size 99, got %d", attrs.Size)
	}
	if n := prober.calls.Load(); n != 2 {
		t.Errorf("expected 2 probes, got %d", n)
	}
}

func TestAttributes_ConcurrentLookupsCoalesce(t *testing.T) {
	prober := &fakeProber{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	prober.set(fetch.Attributes{Size: 7}, nil)
	cache := New(prober, time.Hour)

	const waiters = 10
	var wg sync.WaitGroup
	results := make([]fetch.Attributes, waiters)
	errs := make([]error, waiters)

	// One goroutine starts the probe and blocks inside it.
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = cache.Attributes(context.Background(), testTarget())
	}()
	<-prober.entered

	// The rest must join the in-flight probe instead of starting
	// their own.
	for i := 1; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.Attributes(context.Background(), testTarget())
		}(i)
	}

	close(prober.release)
	wg.Wait()

	for i := 0; i < waiters; i++ {
		if errs[i] != nil {
			t.Fatalf("waiter %d: unexpected error: %v", i, errs[i])
		}
		if results[i].Size != 7 {
			t.Errorf("waiter %d: expected size 7, got %d", i, results[i].Size)
		}
	}
	if n := prober.calls.Load(); n != 1 {
		t.Errorf("expected exactly 1 probe, got %d", n)
	}
}

func TestAttributes_WaiterHonorsContext(t *testing.T) {
	prober := &fakeProber{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	cache := New(prober, time.Hour)

	go cache.Attributes(context.Background(), testTarget())
	<-prober.entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := cache.Attributes(ctx, testTarget())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(prober.release)
}

func TestAttributes_InitiatorCancelDoesNotAbortWaiters(t *testing.T) {
	prober := &fakeProber{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	prober.set(fetch.Attributes{Size: 7}, nil)
	cache := New(prober, time.Hour)

	// The first caller starts the probe, then its request is
	// interrupted while the probe is still in flight.
	initCtx, cancelInit := context.WithCancel(context.Background())
	initErr := make(chan error, 1)
	go func() {
		_, err := cache.Attributes(initCtx, testTarget())
		initErr <- err
	}()
	<-prober.entered

	waiterDone := make(chan struct{})
	var waiterAttrs fetch.Attributes
	var waiterErr error
	go func() {
		defer close(waiterDone)
		waiterAttrs, waiterErr = cache.Attributes(context.Background(), testTarget())
	}()

	cancelInit()
	if err := <-initErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("initiator: expected context.Canceled, got %v", err)
	}

	close(prober.release)
	<-waiterDone

	if waiterErr != nil {
		t.Fatalf("waiter with live context must see the resolved outcome, got %v", waiterErr)
	}
	if waiterAttrs.Size != 7 {
		t.Errorf("waiter: expected size 7, got %d", waiterAttrs.Size)
	}

	// The probe completed and its result is cached.
	attrs, err := cache.Attributes(context.Background(), testTarget())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attrs.Size != 7 {
		t.Errorf("expected cached size 7, got %d", attrs.Size)
	}
	if n := prober.calls.Load(); n != 1 {
		t.Errorf("expected exactly 1 probe, got %d", n)
	}
}

func TestAttributes_NotFoundCached(t *testing.T) {
	prober := &fakeProber{}
	prober.set(fetch.Attributes{}, fserr.Newf(fserr.NotFound, "https://example.com/data.bin", "server returned 404"))
	cache := New(prober, 20*time.Millisecond)

	for i := 0; i < 3; i++ {
		_, err := cache.Attributes(context.Background(), testTarget())
		if !fserr.Is(err, fserr.NotFound) {
			t.Fatalf("expected NotFound, got %v", err)
		}
	}
	if n := prober.calls.Load(); n != 1 {
		t.Errorf("negative result should be cached, got %d probes", n)
	}

	// The resource appears after the negative TTL expires.
	time.Sleep(40 * time.Millisecond)
	prober.set(fetch.Attributes{Size: 10}, nil)

	attrs, err := cache.Attributes(context.Background(), testTarget())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attrs.Size != 10 {
		t.Errorf("expected size 10, got %d", attrs.Size)
	}
}

func TestAttributes_TransientFailureNotCached(t *testing.T) {
	prober := &fakeProber{}
	prober.set(fetch.Attributes{}, fserr.Newf(fserr.Network, "https://example.com/data.bin", "connection refused"))
	cache := New(prober, time.Hour)

	_, err := cache.Attributes(context.Background(), testTarget())
	if !fserr.Is(err, fserr.Network) {
		t.Fatalf("expected Network, got %v", err)
	}

	// Next lookup probes again immediately, no cooldown.
	prober.set(fetch.Attributes{Size: 5}, nil)
	attrs, err := cache.Attributes(context.Background(), testTarget())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attrs.Size != 5 {
		t.Errorf("expected size 5, got %d", attrs.Size)
	}
	if n := prober.calls.Load(); n != 2 {
		t.Errorf("expected 2 probes, got %d", n)
	}
}

func TestForget(t *testing.T) {
	prober := &fakeProber{}
	prober.set(fetch.Attributes{Size: 1}, nil)
	cache := New(prober, time.Hour)

	if _, err := cache.Attributes(context.Background(), testTarget()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cache.Forget(testTarget())
	if _, err := cache.Attributes(context.Background(), testTarget()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := prober.calls.Load(); n != 2 {
		t.Errorf("expected 2 probes after Forget, got %d", n)
	}
}

func TestAttributes_DistinctTargetsDistinctEntries(t *testing.T) {
	prober := &fakeProber{}
	prober.set(fetch.Attributes{Size: 1}, nil)
	cache := New(prober, time.Hour)

	a := resolver.Target{Scheme: "https", Host: "example.com", Path: "/a"}
	b := resolver.Target{Scheme: "https", Host: "example.com", Path: "/b"}

	cache.Attributes(context.Background(), a)
	cache.Attributes(context.Background(), b)

	if n := prober.calls.Load(); n != 2 {
		t.Errorf("expected 2 probes for 2 targets, got %d", n)
	}
	if cache.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", cache.Len())
	}
}

package state

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLookasideFetchesOnce(t *testing.T) {
	l, err := NewLookaside(LookasideConfig{})
	if err != nil {
		t.Fatalf("new lookaside: %v", err)
	}
	defer l.Close()

	var fetches atomic.Int32
	fetch := func(context.Context) (interface{}, error) {
		fetches.Add(1)
		return "value", nil
	}

	v, err := l.Get(context.Background(), "k", fetch)
	if err != nil || v != "value" {
		t.Fatalf("get: %v %v", v, err)
	}
	// Ristretto admits asynchronously; drain its buffers before relying
	// on a hit.
	l.l1.Wait()

	if v, err = l.Get(context.Background(), "k", fetch); err != nil || v != "value" {
		t.Fatalf("second get: %v %v", v, err)
	}
	if n := fetches.Load(); n != 1 {
		t.Errorf("fetched %d times, want 1", n)
	}
}

func TestLookasideCollapsesConcurrentFetches(t *testing.T) {
	l, err := NewLookaside(LookasideConfig{})
	if err != nil {
		t.Fatalf("new lookaside: %v", err)
	}
	defer l.Close()

	var fetches atomic.Int32
	gate := make(chan struct{})
	fetch := func(context.Context) (interface{}, error) {
		fetches.Add(1)
		<-gate
		return 42, nil
	}

	const callers = 5
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v, err := l.Get(context.Background(), "hot", fetch); err != nil || v != 42 {
				t.Errorf("get: %v %v", v, err)
			}
		}()
	}
	// Give every caller time to join the in-flight fetch.
	time.Sleep(200 * time.Millisecond)
	close(gate)
	wg.Wait()

	if n := fetches.Load(); n != 1 {
		t.Errorf("%d fetches for one hot key, want 1", n)
	}
}

func TestLookasideErrorNotCached(t *testing.T) {
	l, err := NewLookaside(LookasideConfig{})
	if err != nil {
		t.Fatalf("new lookaside: %v", err)
	}
	defer l.Close()

	boom := errors.New("upstream down")
	calls := 0
	if _, err := l.Get(context.Background(), "k", func(context.Context) (interface{}, error) {
		calls++
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}

	// The failure must not poison the key.
	v, err := l.Get(context.Background(), "k", func(context.Context) (interface{}, error) {
		calls++
		return "recovered", nil
	})
	if err != nil || v != "recovered" {
		t.Fatalf("recovery get: %v %v", v, err)
	}
	if calls != 2 {
		t.Errorf("fetch ran %d times, want 2", calls)
	}
}

func TestLookasideInvalidate(t *testing.T) {
	l, err := NewLookaside(LookasideConfig{})
	if err != nil {
		t.Fatalf("new lookaside: %v", err)
	}
	defer l.Close()

	var fetches atomic.Int32
	fetch := func(context.Context) (interface{}, error) {
		fetches.Add(1)
		return "v", nil
	}

	l.Get(context.Background(), "k", fetch)
	l.l1.Wait()
	l.Invalidate("k")
	l.l1.Wait()
	l.Get(context.Background(), "k", fetch)

	if n := fetches.Load(); n != 2 {
		t.Errorf("fetched %d times after invalidation, want 2", n)
	}
}

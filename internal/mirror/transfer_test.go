package mirror

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func makeItems(n int) []WorkItem {
	items := make([]WorkItem, n)
	for i := range items {
		items[i] = WorkItem{
			Version:   fmt.Sprintf("1.0.%d", i),
			SourceURL: fmt.Sprintf("http://example.com/pkg-1.0.%d.tgz", i),
			LocalPath: fmt.Sprintf("/tmp/pkg/pkg-1.0.%d.tgz", i),
		}
	}
	return items
}

// enter records one more unit in flight and raises peak if needed.
// The returned function leaves.
func enter(inFlight, peak *atomic.Int32) func() {
	n := inFlight.Add(1)
	for {
		p := peak.Load()
		if n <= p || peak.CompareAndSwap(p, n) {
			break
		}
	}
	return func() { inFlight.Add(-1) }
}

func TestRunBatchEmpty(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	result, err := RunBatch(context.Background(), nil, 3, func(context.Context, WorkItem) bool {
		calls.Add(1)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Total != 0 || result.Succeeded != 0 || result.Failed != 0 {
		t.Errorf("result = %+v, want all zero", result)
	}
	if calls.Load() != 0 {
		t.Errorf("operation called %d times", calls.Load())
	}
}

func TestRunBatchLimit(t *testing.T) {
	t.Parallel()

	for _, limit := range []int{1, 3, 8} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			t.Parallel()

			var inFlight, peak atomic.Int32
			op := func(context.Context, WorkItem) bool {
				defer enter(&inFlight, &peak)()
				time.Sleep(5 * time.Millisecond)
				return true
			}

			result, err := RunBatch(context.Background(), makeItems(40), limit, op)
			if err != nil {
				t.Fatal(err)
			}
			if result.Succeeded != 40 {
				t.Errorf("Succeeded = %d, want 40", result.Succeeded)
			}
			if p := peak.Load(); p > int32(limit) {
				t.Errorf("peak concurrency = %d, limit %d", p, limit)
			}
			if limit > 1 && peak.Load() < 2 {
				t.Errorf("operations never ran concurrently, peak %d", peak.Load())
			}
		})
	}
}

// Five items, limit two: every item runs exactly once and at most two run
// at the same time.
func TestRunBatchEveryItemOnce(t *testing.T) {
	t.Parallel()

	items := makeItems(5)
	var mu sync.Mutex
	seen := make(map[string]int)
	var inFlight, peak atomic.Int32

	result, err := RunBatch(context.Background(), items, 2, func(_ context.Context, item WorkItem) bool {
		defer enter(&inFlight, &peak)()
		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		seen[item.LocalPath]++
		mu.Unlock()
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Total != 5 || result.Succeeded != 5 {
		t.Errorf("result = %+v", result)
	}
	for _, item := range items {
		if seen[item.LocalPath] != 1 {
			t.Errorf("%s ran %d times", item.LocalPath, seen[item.LocalPath])
		}
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestRunBatchFailuresDoNotStop(t *testing.T) {
	t.Parallel()

	items := makeItems(10)
	result, err := RunBatch(context.Background(), items, 3, func(_ context.Context, item WorkItem) bool {
		return item.Version != "1.0.3" && item.Version != "1.0.7"
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Succeeded != 8 || result.Failed != 2 {
		t.Errorf("result = %+v, want 8 succeeded and 2 failed", result)
	}
}

// Cancellation while the first items block: RunBatch returns promptly, no
// further item is admitted, and the error is the context's.
func TestRunBatchCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	defer close(release)

	var started atomic.Int32
	startedTwo := make(chan struct{})
	op := func(ctx context.Context, _ WorkItem) bool {
		if started.Add(1) == 2 {
			close(startedTwo)
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return false
	}

	type ret struct {
		result BatchResult
		err    error
	}
	done := make(chan ret, 1)
	go func() {
		result, err := RunBatch(ctx, makeItems(10), 2, op)
		done <- ret{result, err}
	}()

	select {
	case <-startedTwo:
	case <-time.After(5 * time.Second):
		t.Fatal("operations did not start")
	}
	cancel()

	select {
	case r := <-done:
		if r.err != context.Canceled {
			t.Errorf("err = %v, want context.Canceled", r.err)
		}
		if r.result.Succeeded != 0 {
			t.Errorf("Succeeded = %d, want 0", r.result.Succeeded)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunBatch did not return after cancellation")
	}

	time.Sleep(20 * time.Millisecond)
	if n := started.Load(); n != 2 {
		t.Errorf("%d operations started, want 2", n)
	}
}

func TestRunBatchCancelledBeforeStart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	result, err := RunBatch(ctx, makeItems(5), 2, func(context.Context, WorkItem) bool {
		calls.Add(1)
		return true
	})
	if err == nil {
		t.Error("expected an error for a cancelled context")
	}
	if calls.Load() != 0 {
		t.Errorf("operation called %d times", calls.Load())
	}
	if result.Succeeded != 0 {
		t.Errorf("Succeeded = %d, want 0", result.Succeeded)
	}
}

func TestBatchStateSignalsOnce(t *testing.T) {
	t.Parallel()

	const n = 100
	s := newBatchState(n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.finish()
		}()
	}
	wg.Wait()

	select {
	case <-s.done:
	default:
		t.Fatal("done not closed after the last unit finished")
	}
	if got := s.remaining.Load(); got != 0 {
		t.Errorf("remaining = %d, want 0", got)
	}
}

package mirror

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// WorkItem is one artifact transfer. LocalPath identifies it.
type WorkItem struct {
	Version   string
	SourceURL string
	LocalPath string
}

// Operation performs the transfer of one item and reports success.
// It must return promptly once ctx is cancelled.
type Operation func(ctx context.Context, item WorkItem) bool

// BatchResult counts the outcome of the operations that finished before
// RunBatch returned.
type BatchResult struct {
	Total     int
	Succeeded int
	Failed    int
	NotRun    int
}

// batchState tracks how many units of a batch have not reached a terminal
// state. done is closed by the one decrement that takes remaining to zero.
type batchState struct {
	remaining atomic.Int64
	done      chan struct{}
}

func newBatchState(n int) *batchState {
	s := &batchState{done: make(chan struct{})}
	s.remaining.Store(int64(n))
	if n == 0 {
		close(s.done)
	}
	return s
}

func (s *batchState) finish() {
	if s.remaining.Add(-1) == 0 {
		close(s.done)
	}
}

// RunBatch runs op for every item with at most limit operations in flight.
//
// Every item gets its own goroutine up front; a weighted semaphore admits
// them. A failed operation does not stop the batch. RunBatch returns nil
// once every item has finished. If ctx is cancelled first, no further
// items are admitted and RunBatch returns ctx.Err() right away, without
// waiting for operations still in flight.
//
// The result only reflects operations that finished before return.
func RunBatch(ctx context.Context, items []WorkItem, limit int, op Operation) (BatchResult, error) {
	result := BatchResult{Total: len(items)}
	if limit < 1 {
		limit = 1
	}

	gate := semaphore.NewWeighted(int64(limit))
	state := newBatchState(len(items))
	var succeeded, failed, notRun atomic.Int64

	for _, item := range items {
		go func() {
			defer state.finish()

			if err := gate.Acquire(ctx, 1); err != nil {
				notRun.Add(1)
				return
			}
			defer gate.Release(1)

			// Acquire may succeed on a cancelled context when a slot is free.
			if ctx.Err() != nil {
				notRun.Add(1)
				return
			}

			if op(ctx, item) {
				succeeded.Add(1)
			} else {
				failed.Add(1)
			}
		}()
	}

	select {
	case <-state.done:
	case <-ctx.Done():
	}

	// Units skipped after cancellation drain quickly, so a closed done
	// channel alone does not mean every item ran.
	var err error
	select {
	case <-state.done:
		if notRun.Load() > 0 {
			err = ctx.Err()
		}
	default:
		err = ctx.Err()
	}

	result.Succeeded = int(succeeded.Load())
	result.Failed = int(failed.Load())
	result.NotRun = int(notRun.Load())
	return result, err
}

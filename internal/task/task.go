// Package task runs crawl units under one shared concurrency budget.
//
// A unit holds a budget slot only while its own function runs. Container
// units return handles to their children instead of waiting on them, and the
// caller that collects holds no slot, so a budget of one still makes progress.
package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Budget bounds how many units run at once across the whole crawl tree.
type Budget struct {
	sem      *semaphore.Weighted
	size     int64
	inFlight atomic.Int64
	peak     atomic.Int64
}

func NewBudget(size int) *Budget {
	if size < 1 {
		size = 1
	}
	return &Budget{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

func (b *Budget) Acquire(ctx context.Context) error {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	n := b.inFlight.Add(1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return nil
}

func (b *Budget) Release() {
	b.inFlight.Add(-1)
	b.sem.Release(1)
}

func (b *Budget) Size() int { return int(b.size) }

// InFlight is the number of slots currently held.
func (b *Budget) InFlight() int { return int(b.inFlight.Load()) }

// Peak is the highest InFlight seen so far.
func (b *Budget) Peak() int { return int(b.peak.Load()) }

// Handle is the pending result of a spawned unit.
type Handle[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Spawn starts fn in its own goroutine. The goroutine acquires a budget slot
// before calling fn and releases it as soon as fn returns.
func Spawn[T any](ctx context.Context, b *Budget, fn func(context.Context) (T, error)) *Handle[T] {
	h := &Handle[T]{done: make(chan struct{})}

	go func() {
		defer close(h.done)

		if err := b.Acquire(ctx); err != nil {
			h.err = err
			return
		}
		defer b.Release()

		defer func() {
			if r := recover(); r != nil {
				h.err = fmt.Errorf("task panicked: %v\n%s", r, debug.Stack())
			}
		}()

		h.val, h.err = fn(ctx)
	}()

	return h
}

// Ready wraps a value that was produced in place as a finished handle, so it
// can be collected alongside spawned ones.
func Ready[T any](v T) *Handle[T] {
	h := &Handle[T]{done: make(chan struct{}), val: v}
	close(h.done)
	return h
}

// Wait blocks until the unit finishes or ctx is done.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.done:
		return h.val, h.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Collect awaits handles in order and returns their values sorted by index.
// The first error stops collection; units already running finish on their
// own and their results are dropped.
func Collect[T any](ctx context.Context, handles []*Handle[T], index func(T) int) ([]T, error) {
	out := make([]T, 0, len(handles))

	for _, h := range handles {
		v, err := h.Wait(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}

	sort.SliceStable(out, func(i, j int) bool { return index(out[i]) < index(out[j]) })
	return out, nil
}

// Canceled reports whether err came from context cancellation.
func Canceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Package queue provides a fixed-capacity FIFO with blocking insertion and removal.
package queue

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInterrupted     = errors.New("queue: interrupted")
	ErrInvalidCapacity = errors.New("queue: capacity must be positive")
)

// Queue is safe for concurrent producers and consumers. Items rejected by the
// accept predicate are dropped without error.
type Queue[T any] struct {
	items  chan T
	accept func(T) bool
}

func New[T any](capacity int, accept func(T) bool) (*Queue[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	return &Queue[T]{
		items:  make(chan T, capacity),
		accept: accept,
	}, nil
}

// Put appends item, blocking while the queue is full. If ctx ends first the
// queue is unchanged and the error wraps ErrInterrupted.
func (q *Queue[T]) Put(ctx context.Context, item T) error {
	if q.accept != nil && !q.accept(item) {
		return nil
	}
	select {
	case q.items <- item:
		return nil
	default:
	}
	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: put: %w", ErrInterrupted, ctx.Err())
	}
}

// Offer appends item only if there is room, without blocking. The accept
// predicate is not applied.
func (q *Queue[T]) Offer(item T) bool {
	select {
	case q.items <- item:
		return true
	default:
		return false
	}
}

// Take removes the head item, blocking while the queue is empty.
func (q *Queue[T]) Take(ctx context.Context) (T, error) {
	select {
	case item := <-q.items:
		return item, nil
	default:
	}
	select {
	case item := <-q.items:
		return item, nil
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: take: %w", ErrInterrupted, ctx.Err())
	}
}

// Size is a point-in-time snapshot and is not synchronized with later calls.
func (q *Queue[T]) Size() int {
	return len(q.items)
}

func (q *Queue[T]) Cap() int {
	return cap(q.items)
}

// Drain removes and returns every item currently queued.
func (q *Queue[T]) Drain() []T {
	out := make([]T, 0, len(q.items))
	for {
		select {
		case item := <-q.items:
			out = append(out, item)
		default:
			return out
		}
	}
}

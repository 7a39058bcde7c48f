// Package queue is an unbounded FIFO whose producers never block. A consumer
// waits on Wait and then takes everything queued with Drain.
package queue

import "sync"

type T[V any] struct {
	mx     sync.Mutex
	items  []V
	signal chan struct{}
}

func New[V any]() *T[V] { return &T[V]{signal: make(chan struct{}, 1)} }

// Push appends v and wakes the consumer.
func (q *T[V]) Push(v ...V) {
	q.mx.Lock()
	q.items = append(q.items, v...)
	q.mx.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Wait returns a channel that receives after one or more Push calls.
func (q *T[V]) Wait() <-chan struct{} { return q.signal }

// Drain removes and returns everything queued, in order.
func (q *T[V]) Drain() (s []V) {
	q.mx.Lock()
	s, q.items = q.items, nil
	q.mx.Unlock()
	return
}

func (q *T[V]) Len() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return len(q.items)
}

package queue_test

import (
	"sync"
	"testing"

	"github.com/Hubmakerlabs/syncr/pkg/queue"
	"github.com/stretchr/testify/require"
)

func TestPushDrainOrder(t *testing.T) {
	q := queue.New[int]()
	q.Push(1, 2)
	q.Push(3)
	require.Equal(t, 3, q.Len())
	select {
	case <-q.Wait():
	default:
		t.Fatal("push did not signal")
	}
	require.Equal(t, []int{1, 2, 3}, q.Drain())
	require.Empty(t, q.Drain())
}

func TestConcurrentProducers(t *testing.T) {
	q := queue.New[int]()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Push(j)
			}
		}()
	}
	got := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for got < 800 {
		select {
		case <-q.Wait():
			got += len(q.Drain())
		case <-done:
			got += len(q.Drain())
		}
	}
	require.Equal(t, 800, got)
}

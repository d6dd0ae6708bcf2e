package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpQueueOrder(t *testing.T) {
	q := newOpQueue()
	defer q.Close()

	var (
		mu    sync.Mutex
		order []int
	)
	for i := 0; i < 5; i++ {
		i := i
		q.Submit(func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, q.Do(context.Background(), func(context.Context) error { return nil }))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestOpQueueDoReturnsError(t *testing.T) {
	q := newOpQueue()
	defer q.Close()

	err := q.Do(context.Background(), func(context.Context) error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)
}

func TestOpQueueCloseReleasesWaiters(t *testing.T) {
	q := newOpQueue()
	started := make(chan struct{})
	release := make(chan struct{})
	q.Submit(func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	result := make(chan error, 1)
	go func() {
		result <- q.Do(context.Background(), func(context.Context) error { return nil })
	}()
	q.Close()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrTerminated)
	case <-time.After(time.Second):
		t.Fatal("Do не вернулся после Close")
	}
	close(release)
	q.Close()
}

func TestOpQueueDoContext(t *testing.T) {
	q := newOpQueue()
	defer q.Close()
	release := make(chan struct{})
	defer close(release)
	q.Submit(func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Do(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

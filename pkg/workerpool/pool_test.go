package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_PreservesOrderPerKey(t *testing.T) {
	p := New(Config{Workers: 4, QueueSize: 64}, nil)
	p.Start()
	defer p.Stop()

	var mu sync.Mutex
	seen := map[string][]int{}
	var pending []<-chan *Result

	for i := 0; i < 50; i++ {
		for _, key := range []string{"B1", "B2", "B3"} {
			i, key := i, key
			done, err := p.Dispatch(context.Background(), &Task{
				ID:  fmt.Sprintf("%s-%d", key, i),
				Key: key,
				Run: func(context.Context) error {
					mu.Lock()
					seen[key] = append(seen[key], i)
					mu.Unlock()
					return nil
				},
			})
			require.NoError(t, err)
			pending = append(pending, done)
		}
	}
	for _, done := range pending {
		res := <-done
		require.NoError(t, res.Err)
	}

	for key, order := range seen {
		require.Len(t, order, 50, key)
		for i, v := range order {
			assert.Equal(t, i, v, key)
		}
	}
	assert.Equal(t, int64(150), p.Stats().TasksCompleted)
}

func TestPool_ShardIsStable(t *testing.T) {
	p := New(Config{Workers: 8}, nil)
	assert.Equal(t, p.Shard("BATCH001"), p.Shard("BATCH001"))
	assert.GreaterOrEqual(t, p.Shard("x"), 0)
	assert.Less(t, p.Shard("x"), 8)
}

func TestPool_RetriesThenSucceeds(t *testing.T) {
	p := New(Config{Workers: 1, MaxRetries: 3, RetryDelay: time.Millisecond}, nil)
	p.Start()
	defer p.Stop()

	var calls int32
	res, err := p.SubmitWait(context.Background(), &Task{ID: "t1", Run: func(context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	}})
	require.NoError(t, err)
	assert.NoError(t, res.Err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int64(2), p.Stats().TasksRetried)
}

func TestPool_PermanentErrorIsNotRetried(t *testing.T) {
	p := New(Config{Workers: 1, MaxRetries: 3, RetryDelay: time.Millisecond}, nil)
	p.Start()
	defer p.Stop()

	res, err := p.SubmitWait(context.Background(), &Task{ID: "t1", Run: func(context.Context) error {
		return fmt.Errorf("bad payload: %w", ErrPermanent)
	}})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, ErrPermanent)
	assert.Equal(t, 1, res.Attempts)
}

func TestPool_QueueFullAndStopped(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1}, nil)
	block := make(chan struct{})
	p.Start()

	started := make(chan struct{})
	require.NoError(t, p.Submit(&Task{ID: "a", Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	require.NoError(t, p.Submit(&Task{ID: "b", Run: func(context.Context) error { return nil }}))
	assert.ErrorIs(t, p.Submit(&Task{ID: "c", Run: func(context.Context) error { return nil }}), ErrQueueFull)

	close(block)
	require.NoError(t, p.Stop())
	assert.ErrorIs(t, p.Submit(&Task{ID: "d", Run: func(context.Context) error { return nil }}), ErrStopped)
	assert.Equal(t, int64(2), p.Stats().TasksCompleted)
}

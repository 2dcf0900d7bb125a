package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantwa/gateway/internal/apierr"
)

func TestEnqueue_FIFOOrderPerAgent(t *testing.T) {
	s := New(zerolog.Nop())
	defer s.Stop()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Enqueue(context.Background(), "agent-1", func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
			require.NoError(t, err)
		}(i)
		time.Sleep(2 * time.Millisecond) // preserve enqueue order across goroutines
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestEnqueue_RateLimitedAt501st(t *testing.T) {
	s := New(zerolog.Nop())
	defer s.Stop()

	block := make(chan struct{})
	defer close(block)

	// occupy the single worker so nothing drains the queue
	go s.Enqueue(context.Background(), "agent-2", func(ctx context.Context) (interface{}, error) {
		<-block
		return nil, nil
	})
	time.Sleep(20 * time.Millisecond)

	// each of these Enqueue calls blocks until its job runs, so wait for the
	// queue to fill rather than for the calls to return
	for i := 0; i < 500; i++ {
		go s.Enqueue(context.Background(), "agent-2", func(ctx context.Context) (interface{}, error) {
			<-block
			return nil, nil
		})
	}
	require.Eventually(t, func() bool { return s.QueueLength("agent-2") == 500 }, 2*time.Second, 5*time.Millisecond)

	_, err := s.Enqueue(context.Background(), "agent-2", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.Equal(t, apierr.RateLimited, apierr.CodeOf(err))
}

func TestEnqueue_NoOrderingAcrossAgents(t *testing.T) {
	s := New(zerolog.Nop())
	defer s.Stop()

	_, err := s.Enqueue(context.Background(), "agent-a", func(ctx context.Context) (interface{}, error) {
		return "a", nil
	})
	require.NoError(t, err)

	_, err = s.Enqueue(context.Background(), "agent-b", func(ctx context.Context) (interface{}, error) {
		return "b", nil
	})
	require.NoError(t, err)
}

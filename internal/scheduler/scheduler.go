// Package scheduler implements the per-agent token-bucket scheduler:
// every outbound chat-network operation for an agent passes through a
// bounded FIFO queue gated by a refilling token bucket, so two
// concurrent sends for one agent complete in enqueue order and a noisy
// agent can never starve the others.
package scheduler

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tenantwa/gateway/internal/apierr"
)

const (
	tokensPerMinute = 100.0
	burst           = 100.0
	queueLimit      = 500
)

type job struct {
	run    func(ctx context.Context) (interface{}, error)
	result chan jobResult
}

type jobResult struct {
	value interface{}
	err   error
}

type agentQueue struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	queue      []*job
	processing bool
}

// Scheduler owns one agentQueue per agent and a single background
// goroutine that refills every agent's tokens once a second, mirroring
// the cadence of the teacher codebase's cron/ticker-driven background
// loops.
type Scheduler struct {
	mu     sync.RWMutex
	agents map[string]*agentQueue

	logger zerolog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler and starts its refill loop.
func New(logger zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		agents: make(map[string]*agentQueue),
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.refillLoop(ctx)
	return s
}

// Stop halts the refill loop. Jobs still queued keep running only while
// their agent has tokens left, since nothing refills them afterwards;
// callers shutting down the process don't need their timers to keep it
// alive.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.done
}

func (s *Scheduler) refillLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refillAll()
		}
	}
}

func (s *Scheduler) refillAll() {
	s.mu.RLock()
	agentIDs := make([]string, 0, len(s.agents))
	for id := range s.agents {
		agentIDs = append(agentIDs, id)
	}
	s.mu.RUnlock()

	now := time.Now()
	for _, id := range agentIDs {
		aq := s.queueFor(id)
		aq.mu.Lock()
		elapsedMinutes := now.Sub(aq.lastRefill).Minutes()
		if elapsedMinutes*tokensPerMinute >= 1 {
			aq.tokens += elapsedMinutes * tokensPerMinute
			if aq.tokens > burst {
				aq.tokens = burst
			}
			aq.lastRefill = now
		}
		needsWake := len(aq.queue) > 0
		aq.mu.Unlock()

		if needsWake {
			go s.process(id)
		}
	}
}

func (s *Scheduler) queueFor(agentID string) *agentQueue {
	s.mu.RLock()
	aq, ok := s.agents[agentID]
	s.mu.RUnlock()
	if ok {
		return aq
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if aq, ok := s.agents[agentID]; ok {
		return aq
	}
	aq = &agentQueue{tokens: burst, lastRefill: time.Now()}
	s.agents[agentID] = aq
	return aq
}

// Enqueue submits task for agentID and blocks until it runs (or the
// queue rejects it outright). Two concurrent Enqueue calls for the same
// agentID run their tasks in the order Enqueue was called.
func (s *Scheduler) Enqueue(ctx context.Context, agentID string, task func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	aq := s.queueFor(agentID)

	j := &job{run: task, result: make(chan jobResult, 1)}

	aq.mu.Lock()
	if len(aq.queue) >= queueLimit {
		aq.mu.Unlock()
		return nil, apierr.New(apierr.RateLimited, "agent outbound queue is full")
	}
	aq.queue = append(aq.queue, j)
	aq.mu.Unlock()

	go s.process(agentID)

	select {
	case res := <-j.result:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Scheduler) process(agentID string) {
	aq := s.queueFor(agentID)

	aq.mu.Lock()
	if aq.processing {
		aq.mu.Unlock()
		return
	}
	aq.processing = true
	aq.mu.Unlock()

	for {
		aq.mu.Lock()
		if aq.tokens < 1 || len(aq.queue) == 0 {
			aq.processing = false
			aq.mu.Unlock()
			return
		}
		aq.tokens -= 1
		j := aq.queue[0]
		aq.queue = aq.queue[1:]
		aq.mu.Unlock()

		value, err := j.run(context.Background())
		j.result <- jobResult{value: value, err: err}

		runtime.Gosched()
	}
}

// QueueLength reports how many jobs are currently waiting for agentID,
// for tests and diagnostics.
func (s *Scheduler) QueueLength(agentID string) int {
	aq := s.queueFor(agentID)
	aq.mu.Lock()
	defer aq.mu.Unlock()
	return len(aq.queue)
}

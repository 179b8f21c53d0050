// Package worker is the in-process stand-in for the external task queue: the
// producer surface enqueues jobs and gets an id back immediately, a fixed set
// of workers executes them, and callers poll status. The queue makes no
// per-(user,symbol) ordering promise; the ledger's transactional check is the
// safety point, not queue ordering.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"signaltrader/internal/executor"
	"signaltrader/internal/logger"

	"github.com/google/uuid"
)

type Kind string

const (
	KindExecuteOrder  Kind = "execute_order"
	KindClosePosition Kind = "close_position"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
)

// ErrQueueFull is returned when the job buffer is saturated; the producer
// surface maps it to a retry-later response.
var ErrQueueFull = errors.New("job queue full")

type Job struct {
	ID   string
	Kind Kind

	Intent executor.Intent // execute_order

	// close_position fields.
	UserID       string
	Symbol       string
	Exchange     string
	TriggerPrice float64 // >0 when a trailing trigger supplied the price
}

type JobState struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Status     Status    `json:"status"`
	Result     any       `json:"result,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

type Pool struct {
	exec    *executor.Executor
	workers int

	jobs   chan Job
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu     sync.RWMutex
	states map[string]*JobState
}

func NewPool(exec *executor.Executor, workers, queueDepth int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Pool{
		exec:    exec,
		workers: workers,
		jobs:    make(chan Job, queueDepth),
		stopCh:  make(chan struct{}),
		states:  make(map[string]*JobState),
	}
}

func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	logger.Infof("worker: pool started workers=%d", p.workers)
}

func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case job := <-p.jobs:
			p.execute(ctx, job)
		}
	}
}

// EnqueueExecute queues an order-execution job and returns its id at once;
// the caller polls status. The core never blocks a producer on exchange
// latency.
func (p *Pool) EnqueueExecute(in executor.Intent) (string, error) {
	return p.enqueue(Job{Kind: KindExecuteOrder, Intent: in})
}

// EnqueueClose queues a position flatten. triggerPrice carries the price a
// trailing trigger observed; zero means none.
func (p *Pool) EnqueueClose(userID, symbol, exchangeName string, triggerPrice float64) (string, error) {
	return p.enqueue(Job{
		Kind:         KindClosePosition,
		UserID:       userID,
		Symbol:       symbol,
		Exchange:     exchangeName,
		TriggerPrice: triggerPrice,
	})
}

func (p *Pool) enqueue(job Job) (string, error) {
	job.ID = uuid.NewString()
	state := &JobState{
		ID:         job.ID,
		Kind:       job.Kind,
		Status:     StatusPending,
		EnqueuedAt: time.Now().UTC(),
	}
	p.mu.Lock()
	p.states[job.ID] = state
	p.mu.Unlock()

	select {
	case p.jobs <- job:
		return job.ID, nil
	default:
		p.mu.Lock()
		delete(p.states, job.ID)
		p.mu.Unlock()
		return "", ErrQueueFull
	}
}

func (p *Pool) Status(id string) (JobState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.states[id]
	if !ok {
		return JobState{}, false
	}
	return *st, true
}

func (p *Pool) execute(ctx context.Context, job Job) {
	p.setStatus(job.ID, StatusRunning, nil)
	var result any
	switch job.Kind {
	case KindExecuteOrder:
		result = p.exec.Execute(ctx, job.Intent)
	case KindClosePosition:
		result = p.closePosition(ctx, job)
	default:
		result = fmt.Sprintf("unknown job kind %q", job.Kind)
		logger.Errorf("worker: unknown job kind %q (job %s)", job.Kind, job.ID)
	}
	p.setStatus(job.ID, StatusDone, result)
}

func (p *Pool) closePosition(ctx context.Context, job Job) any {
	if job.TriggerPrice > 0 {
		return p.exec.CloseTriggered(ctx, job.UserID, job.Symbol, job.Exchange, job.TriggerPrice)
	}
	return p.exec.ClosePosition(ctx, job.UserID, job.Symbol, job.Exchange)
}

func (p *Pool) setStatus(id string, status Status, result any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[id]
	if !ok {
		return
	}
	st.Status = status
	if result != nil {
		st.Result = result
	}
	if status == StatusDone {
		st.FinishedAt = time.Now().UTC()
	}
}

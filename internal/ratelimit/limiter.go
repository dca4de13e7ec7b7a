// Package ratelimit implements the shared priority rate limiter every
// outbound network call goes through.
//
// Requests wait in a bounded priority queue and are released one at a
// time against a token bucket. When a token becomes available the
// highest-priority waiter is released, so execution-path calls preempt
// background scanning. A Throttled call halves the rate for a backoff
// window after an upstream signals rate limiting.
package ratelimit

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/atmx/conviction-engine/internal/metrics"
)

// Priority orders waiters. Higher values are served first.
type Priority int

const (
	PriorityScan Priority = iota
	PriorityEvaluation
	PriorityPosition
	PriorityExecution
)

func (p Priority) String() string {
	switch p {
	case PriorityScan:
		return "scan"
	case PriorityEvaluation:
		return "evaluation"
	case PriorityPosition:
		return "position"
	case PriorityExecution:
		return "execution"
	}
	return "unknown"
}

var (
	// ErrQueueFull is returned when the wait queue is at capacity.
	ErrQueueFull = errors.New("ratelimit: queue full")

	// ErrClosed is returned once the limiter has been shut down.
	ErrClosed = errors.New("ratelimit: limiter closed")
)

// Config holds the token bucket and queue parameters.
type Config struct {
	RatePerSecond   float64       `yaml:"rate_per_second"`
	Burst           int           `yaml:"burst"`
	MaxQueue        int           `yaml:"max_queue"`
	ThrottleBackoff time.Duration `yaml:"throttle_backoff"`
}

// DefaultConfig returns conservative defaults for a public RPC tier.
func DefaultConfig() Config {
	return Config{
		RatePerSecond:   10,
		Burst:           5,
		MaxQueue:        256,
		ThrottleBackoff: 30 * time.Second,
	}
}

// Limiter is safe for concurrent use.
type Limiter struct {
	bucket   *rate.Limiter
	base     rate.Limit
	maxQueue int
	backoff  time.Duration

	mu             sync.Mutex
	queue          waitQueue
	seq            uint64
	closed         bool
	throttledUntil time.Time

	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a limiter and starts its dispatcher.
func New(cfg Config) *Limiter {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultConfig().RatePerSecond
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.MaxQueue < 1 {
		cfg.MaxQueue = DefaultConfig().MaxQueue
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Limiter{
		bucket:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		base:     rate.Limit(cfg.RatePerSecond),
		maxQueue: cfg.MaxQueue,
		backoff:  cfg.ThrottleBackoff,
		notify:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go l.dispatch()
	return l
}

// Wait blocks until the caller may issue one request.
func (l *Limiter) Wait(ctx context.Context, p Priority) error {
	w := &waiter{priority: p, ready: make(chan struct{})}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if len(l.queue) >= l.maxQueue {
		l.mu.Unlock()
		return ErrQueueFull
	}
	l.seq++
	w.seq = l.seq
	heap.Push(&l.queue, w)
	depth := len(l.queue)
	l.mu.Unlock()

	metrics.LimiterQueueDepth.Set(float64(depth))
	select {
	case l.notify <- struct{}{}:
	default:
	}

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		if w.index >= 0 {
			heap.Remove(&l.queue, w.index)
		}
		l.mu.Unlock()
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	}
}

// Do waits for a slot and then runs fn.
func (l *Limiter) Do(ctx context.Context, p Priority, fn func(context.Context) error) error {
	if err := l.Wait(ctx, p); err != nil {
		return err
	}
	return fn(ctx)
}

// Throttled halves the rate until the backoff window elapses. Repeated
// calls extend the window without compounding the reduction.
func (l *Limiter) Throttled() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	until := time.Now().Add(l.backoff)
	if until.After(l.throttledUntil) {
		l.throttledUntil = until
	}
	l.bucket.SetLimit(l.base / 2)
	metrics.LimiterThrottles.Inc()
	time.AfterFunc(l.backoff, l.restore)
}

func (l *Limiter) restore() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !time.Now().Before(l.throttledUntil) {
		l.bucket.SetLimit(l.base)
	}
}

// QueueDepth returns the number of queued waiters.
func (l *Limiter) QueueDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Close stops the dispatcher. Queued waiters receive ErrClosed.
func (l *Limiter) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	l.cancel()
	close(l.done)
}

func (l *Limiter) dispatch() {
	for {
		l.mu.Lock()
		n := len(l.queue)
		l.mu.Unlock()
		if n == 0 {
			select {
			case <-l.notify:
				continue
			case <-l.ctx.Done():
				return
			}
		}

		if err := l.bucket.Wait(l.ctx); err != nil {
			return
		}

		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			continue
		}
		w := heap.Pop(&l.queue).(*waiter)
		depth := len(l.queue)
		l.mu.Unlock()

		metrics.LimiterQueueDepth.Set(float64(depth))
		close(w.ready)
	}
}

type waiter struct {
	priority Priority
	seq      uint64
	index    int
	ready    chan struct{}
}

// waitQueue is a max-heap on priority, FIFO within a priority.
type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

// Package writer dispatches attribute writes to the adapter: serialized per
// resource, concurrent across resources, each bounded by a timeout.
package writer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/1broseidon/winsync/internal/future"
	"github.com/1broseidon/winsync/internal/metrics"
	"github.com/1broseidon/winsync/internal/platform"
)

// ErrClosed is returned for writes dispatched after Close.
var ErrClosed = errors.New("write coordinator closed")

const (
	DefaultTimeout     = time.Second
	DefaultMaxInFlight = 64
)

// Writer is the part of the adapter the coordinator drives.
type Writer interface {
	WriteAttribute(ctx context.Context, res platform.Resource, attr platform.Attribute, value any) error
}

// Options configures a Coordinator. Zero values select defaults.
type Options struct {
	Timeout time.Duration
	// MaxInFlight bounds adapter calls running at once, including calls
	// that have timed out but not yet returned.
	MaxInFlight int64
	// RatePerResource limits writes per second to one resource; 0 means
	// unlimited.
	RatePerResource float64
	Burst           int
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

type request struct {
	res   platform.Resource
	attr  platform.Attribute
	value any
	done  *future.Future[struct{}]
}

type queue struct {
	pending []*request
	limiter *rate.Limiter
}

// Coordinator owns one FIFO per resource. A resource's drain goroutine
// exists only while it has queued writes.
type Coordinator struct {
	w       Writer
	sem     *semaphore.Weighted
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout atomic.Int64

	rateLimit rate.Limit
	burst     int

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queues map[platform.Resource]*queue
	closed bool
	wg     sync.WaitGroup
}

// New returns a running coordinator.
func New(w Writer, opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	limit := rate.Inf
	if opts.RatePerResource > 0 {
		limit = rate.Limit(opts.RatePerResource)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		w:         w,
		sem:       semaphore.NewWeighted(opts.MaxInFlight),
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		rateLimit: limit,
		burst:     opts.Burst,
		ctx:       ctx,
		cancel:    cancel,
		queues:    make(map[platform.Resource]*queue),
	}
	c.timeout.Store(int64(opts.Timeout))
	return c
}

// SetTimeout changes the bound applied to writes dispatched from now on.
func (c *Coordinator) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout.Store(int64(d))
	}
}

// Dispatch queues a write behind earlier writes to the same resource.
func (c *Coordinator) Dispatch(res platform.Resource, attr platform.Attribute, value any) *future.Future[struct{}] {
	req := &request{res: res, attr: attr, value: value, done: future.New[struct{}]()}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		req.done.Resolve(struct{}{}, ErrClosed)
		return req.done
	}
	q, ok := c.queues[res]
	if !ok {
		q = &queue{}
		if c.rateLimit != rate.Inf {
			q.limiter = rate.NewLimiter(c.rateLimit, c.burst)
		}
		c.queues[res] = q
		c.wg.Add(1)
		go c.drain(res, q)
	}
	q.pending = append(q.pending, req)
	return req.done
}

// Pending returns the number of resources with queued writes.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues)
}

// Close fails every queued write with ErrClosed and waits for the drain
// goroutines. Adapter calls already running are abandoned.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, q := range c.queues {
		for _, req := range q.pending {
			req.done.Resolve(struct{}{}, ErrClosed)
		}
		q.pending = nil
	}
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) drain(res platform.Resource, q *queue) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if len(q.pending) == 0 {
			delete(c.queues, res)
			c.mu.Unlock()
			return
		}
		req := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		c.mu.Unlock()

		c.execute(q, req)
	}
}

// execute runs one write and returns once it has completed or timed out.
// A timed-out adapter call keeps running; its eventual result is dropped.
func (c *Coordinator) execute(q *queue, req *request) {
	start := time.Now()
	timeout := time.Duration(c.timeout.Load())
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()

	if q.limiter != nil {
		// Wait fails early when the next token lies past the deadline.
		if err := q.limiter.Wait(ctx); err != nil {
			c.fail(req, start)
			return
		}
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.fail(req, start)
		return
	}

	go func() {
		defer c.sem.Release(1)
		// The adapter cannot be cancelled, so the call outlives ctx.
		err := c.w.WriteAttribute(context.WithoutCancel(ctx), req.res, req.attr, req.value)
		if !req.done.Resolve(struct{}{}, err) {
			c.metrics.LateResponse()
			c.logger.Debug("late write response discarded",
				"resource", req.res, "attribute", req.attr, "took", time.Since(start), "error", err)
			return
		}
		result := metrics.WriteOK
		if err != nil {
			result = metrics.WriteRejected
		}
		c.metrics.WriteFinished(result, time.Since(start))
	}()

	select {
	case <-req.done.Done():
	case <-ctx.Done():
		c.fail(req, start)
	}
}

// fail resolves a write that never got an adapter answer in time: either
// the coordinator is closing or the timeout elapsed.
func (c *Coordinator) fail(req *request, start time.Time) {
	if c.ctx.Err() != nil {
		req.done.Resolve(struct{}{}, ErrClosed)
		return
	}
	err := platform.NewAdapterError(platform.ErrTimeout, req.res, req.attr, nil)
	if !req.done.Resolve(struct{}{}, err) {
		return
	}
	c.metrics.WriteFinished(metrics.WriteTimeout, time.Since(start))
	c.logger.Info("write timed out", "resource", req.res, "attribute", req.attr,
		"after", time.Since(start).Round(time.Millisecond))
}

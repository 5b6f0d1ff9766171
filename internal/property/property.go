// Package property implements the cached, asynchronously backed attribute
// every modeled resource is built from.
//
// A Property keeps two values: the confirmed value (the last value the event
// stream has reported) and the visible value returned by Get, which also
// reflects optimistic writes still in flight. Confirmed values only change
// through Apply, which the event engine calls from its single goroutine, so
// every confirmed change corresponds to exactly one emitted event.
package property

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/1broseidon/winsync/internal/future"
	"github.com/1broseidon/winsync/internal/metrics"
	"github.com/1broseidon/winsync/internal/platform"
)

// DefaultReadTimeout bounds a Refresh when the Env does not set one.
const DefaultReadTimeout = time.Second

// Key identifies the adapter attribute a Property is backed by.
type Key struct {
	Resource  platform.Resource
	Attribute platform.Attribute
}

func (k Key) String() string {
	return k.Resource.String() + "/" + string(k.Attribute)
}

// Cause tells the engine why a value is being applied.
type Cause uint8

const (
	// CauseRead is a value obtained by re-reading the adapter.
	CauseRead Cause = iota
	// CauseWrite is a value the adapter accepted from this process.
	CauseWrite
)

// Cell is the type-erased view of a Property used by the engine.
type Cell interface {
	Key() Key
	// Apply records v as the confirmed value. It reports the previous
	// confirmed value and whether anything changed.
	Apply(v any) (old any, changed bool, err error)
	// Invalidate makes every later operation fail with ErrEntityInvalidated.
	Invalidate()
	Valid() bool
}

// Reader performs adapter reads.
type Reader interface {
	ReadAttribute(ctx context.Context, res platform.Resource, attr platform.Attribute) (any, error)
}

// Dispatcher hands writes to the write coordinator.
type Dispatcher interface {
	Dispatch(res platform.Resource, attr platform.Attribute, value any) *future.Future[struct{}]
}

// Sink applies observed values in event order. The returned future resolves
// once the value has been applied (and any event emitted).
type Sink interface {
	Observe(c Cell, value any, cause Cause) *future.Future[struct{}]
}

// Env carries the collaborators every Property of one State shares.
type Env struct {
	Reader      Reader
	Writer      Dispatcher
	Sink        Sink
	Markers     *Markers
	ReadTimeout time.Duration
	Metrics     *metrics.Metrics
}

func (e *Env) readTimeout() time.Duration {
	if e.ReadTimeout <= 0 {
		return DefaultReadTimeout
	}
	return e.ReadTimeout
}

type snapshot[T comparable] struct {
	value   T
	version uint64
}

type write[T comparable] struct {
	value T
	done  *future.Future[struct{}]
}

// Property is one observable, cached attribute of a resource.
type Property[T comparable] struct {
	key      Key
	env      *Env
	readOnly bool

	snap       atomic.Pointer[snapshot[T]]
	refreshing atomic.Int32
	flight     singleflight.Group

	mu        sync.Mutex
	confirmed T
	version   uint64
	pending   int
	last      *write[T]
	invalid   bool
}

// New creates a writable Property holding initial as both its visible and
// confirmed value.
func New[T comparable](env *Env, key Key, initial T) *Property[T] {
	p := &Property[T]{key: key, env: env, confirmed: initial}
	p.publishLocked(initial)
	return p
}

// NewReadOnly creates a Property whose Set always fails with ErrReadOnly.
func NewReadOnly[T comparable](env *Env, key Key, initial T) *Property[T] {
	p := New(env, key, initial)
	p.readOnly = true
	return p
}

func (p *Property[T]) Key() Key { return p.key }

// Get returns the cached value. It never blocks and never refreshes. After
// invalidation it keeps returning the last known value.
func (p *Property[T]) Get() T {
	return p.snap.Load().value
}

// Version increases every time the visible value changes.
func (p *Property[T]) Version() uint64 {
	return p.snap.Load().version
}

// Refreshing reports whether a refresh is outstanding.
func (p *Property[T]) Refreshing() bool {
	return p.refreshing.Load() > 0
}

// Valid reports whether the owning entity is still alive.
func (p *Property[T]) Valid() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.invalid
}

// Refresh re-reads the attribute from the adapter. Calls made while a read
// is outstanding share that read.
func (p *Property[T]) Refresh() *future.Future[T] {
	if !p.Valid() {
		return future.Failed[T](ErrEntityInvalidated)
	}
	if p.refreshing.Load() > 0 {
		p.env.Metrics.RefreshCoalesced()
	}

	ch := p.flight.DoChan("refresh", func() (any, error) {
		p.refreshing.Add(1)
		defer p.refreshing.Add(-1)
		return p.refresh()
	})

	out := future.New[T]()
	go func() {
		res := <-ch
		if res.Err != nil {
			var zero T
			out.Resolve(zero, res.Err)
			return
		}
		out.Resolve(res.Val.(T), nil)
	}()
	return out
}

func (p *Property[T]) refresh() (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(context.Background(), p.env.readTimeout())
	defer cancel()

	raw, err := p.env.Reader.ReadAttribute(ctx, p.key.Resource, p.key.Attribute)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, platform.ErrTimeout) {
			err = platform.NewAdapterError(platform.ErrTimeout, p.key.Resource, p.key.Attribute, err)
		}
		return zero, err
	}
	v, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("%s: %w: %T", p.key, ErrValueType, raw)
	}
	if _, err := p.env.Sink.Observe(p, v, CauseRead).Wait(); err != nil {
		return zero, err
	}
	return v, nil
}

// Set writes v through the write coordinator. The visible value changes
// immediately; it rolls back to the confirmed value if the write fails or
// times out. Setting the value an in-flight write is already writing
// returns that write's future.
func (p *Property[T]) Set(v T) *future.Future[struct{}] {
	if p.readOnly {
		return future.Failed[struct{}](&WriteError{Key: p.key, Err: ErrReadOnly})
	}

	p.mu.Lock()
	if p.invalid {
		p.mu.Unlock()
		return future.Failed[struct{}](ErrEntityInvalidated)
	}
	if p.last != nil && p.last.value == v {
		if _, _, resolved := p.last.done.Peek(); !resolved {
			done := p.last.done
			p.mu.Unlock()
			return done
		}
	}
	p.pending++
	p.publishLocked(v)
	w := &write[T]{value: v, done: future.New[struct{}]()}
	p.last = w
	p.mu.Unlock()

	marker := p.env.Markers.Add(p.key, v)
	result := p.env.Writer.Dispatch(p.key.Resource, p.key.Attribute, v)

	go func() {
		_, err := result.Wait()
		if err == nil {
			_, err = p.env.Sink.Observe(p, v, CauseWrite).Wait()
		} else {
			p.env.Markers.Remove(marker)
			if !errors.Is(err, ErrEntityInvalidated) {
				err = &WriteError{Key: p.key, Err: err}
			}
		}
		p.finishWrite()
		w.done.Resolve(struct{}{}, err)
	}()
	return w.done
}

// finishWrite settles the visible value once no writes remain in flight. On
// success the confirmed value already holds the written value; on failure
// this is the rollback.
func (p *Property[T]) finishWrite() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending--
	if p.pending == 0 && p.snap.Load().value != p.confirmed {
		p.publishLocked(p.confirmed)
	}
}

// Apply implements Cell. It must only be called by the event engine.
func (p *Property[T]) Apply(raw any) (any, bool, error) {
	v, ok := raw.(T)
	if !ok {
		return nil, false, fmt.Errorf("%s: %w: %T", p.key, ErrValueType, raw)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.invalid {
		return nil, false, ErrEntityInvalidated
	}
	if v == p.confirmed {
		return p.confirmed, false, nil
	}
	old := p.confirmed
	p.confirmed = v
	if p.pending == 0 {
		p.publishLocked(v)
	}
	return old, true, nil
}

// Invalidate implements Cell.
func (p *Property[T]) Invalidate() {
	p.mu.Lock()
	p.invalid = true
	p.mu.Unlock()
}

func (p *Property[T]) publishLocked(v T) {
	p.version++
	p.snap.Store(&snapshot[T]{value: v, version: p.version})
}

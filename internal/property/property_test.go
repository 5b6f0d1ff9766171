package property

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1broseidon/winsync/internal/future"
	"github.com/1broseidon/winsync/internal/platform"
	"github.com/1broseidon/winsync/internal/platform/platformtest"
)

type observed struct {
	key      Key
	old, new any
	internal bool
}

// recordingSink applies values synchronously the way the engine does and
// records the change events it would emit.
type recordingSink struct {
	markers *Markers
	mu      sync.Mutex
	events  []observed
}

func (s *recordingSink) Observe(c Cell, v any, cause Cause) *future.Future[struct{}] {
	internal := s.markers.Consume(c.Key(), v) || cause == CauseWrite
	old, changed, err := c.Apply(v)
	if err != nil {
		return future.Failed[struct{}](err)
	}
	if changed {
		s.mu.Lock()
		s.events = append(s.events, observed{key: c.Key(), old: old, new: v, internal: internal})
		s.mu.Unlock()
	}
	return future.Resolved(struct{}{}, nil)
}

func (s *recordingSink) Events() []observed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]observed(nil), s.events...)
}

// manualWriter hands every dispatched write back to the test to resolve.
type manualWriter struct {
	mu     sync.Mutex
	writes []*future.Future[struct{}]
}

func (w *manualWriter) Dispatch(platform.Resource, platform.Attribute, any) *future.Future[struct{}] {
	f := future.New[struct{}]()
	w.mu.Lock()
	w.writes = append(w.writes, f)
	w.mu.Unlock()
	return f
}

func (w *manualWriter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

func (w *manualWriter) At(i int) *future.Future[struct{}] {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes[i]
}

type fixture struct {
	adapter *platformtest.Adapter
	sink    *recordingSink
	writer  *manualWriter
	env     *Env
}

var frameKey = Key{Resource: platform.WindowResource(7), Attribute: platform.AttrFrame}

func newFixture() *fixture {
	a := platformtest.New()
	a.AddApplication(100, "app")
	a.AddWindow(100, 7, "w", platform.Rect{Width: 100, Height: 100})
	markers := NewMarkers(time.Second, nil)
	sink := &recordingSink{markers: markers}
	w := &manualWriter{}
	return &fixture{
		adapter: a,
		sink:    sink,
		writer:  w,
		env:     &Env{Reader: a, Writer: w, Sink: sink, Markers: markers, ReadTimeout: time.Second},
	}
}

func TestRefreshCoalescesConcurrentCalls(t *testing.T) {
	fx := newFixture()
	p := New(fx.env, frameKey, platform.Rect{Width: 100, Height: 100})
	moved := platform.Rect{X: 10, Width: 100, Height: 100}
	fx.adapter.SetValue(frameKey.Resource, frameKey.Attribute, moved)

	release := fx.adapter.HoldReads(frameKey.Resource, frameKey.Attribute)
	first := p.Refresh()
	require.Eventually(t, p.Refreshing, time.Second, time.Millisecond)

	var futures []*future.Future[platform.Rect]
	for range 9 {
		futures = append(futures, p.Refresh())
	}
	release()

	for _, f := range append(futures, first) {
		v, err := f.Wait()
		require.NoError(t, err)
		assert.Equal(t, moved, v)
	}
	assert.Equal(t, 1, fx.adapter.Reads(frameKey.Resource, frameKey.Attribute))
	assert.Equal(t, moved, p.Get())
	require.Len(t, fx.sink.Events(), 1)
	assert.False(t, fx.sink.Events()[0].internal)
}

func TestRefreshUnchangedValueEmitsNothing(t *testing.T) {
	fx := newFixture()
	p := New(fx.env, frameKey, platform.Rect{Width: 100, Height: 100})
	v0 := p.Version()

	_, err := p.Refresh().Wait()
	require.NoError(t, err)
	assert.Empty(t, fx.sink.Events())
	assert.Equal(t, v0, p.Version())
}

func TestRefreshRejectsWrongType(t *testing.T) {
	fx := newFixture()
	fx.adapter.SetValue(frameKey.Resource, frameKey.Attribute, "not a rect")
	p := New(fx.env, frameKey, platform.Rect{})

	_, err := p.Refresh().Wait()
	assert.ErrorIs(t, err, ErrValueType)
}

func TestRefreshSurfacesAdapterErrors(t *testing.T) {
	fx := newFixture()
	fx.adapter.RemoveWindow(7)
	p := New(fx.env, frameKey, platform.Rect{})

	_, err := p.Refresh().Wait()
	assert.ErrorIs(t, err, platform.ErrInvalid)
}

func TestSetConfirmedEmitsOneInternalEvent(t *testing.T) {
	fx := newFixture()
	orig := platform.Rect{Width: 100, Height: 100}
	p := New(fx.env, frameKey, orig)
	target := platform.Rect{X: 50, Y: 50, Width: 100, Height: 100}

	done := p.Set(target)
	assert.Equal(t, target, p.Get(), "optimistic value visible immediately")
	require.Equal(t, 1, fx.writer.Count())

	fx.writer.At(0).Resolve(struct{}{}, nil)
	_, err := done.Wait()
	require.NoError(t, err)

	assert.Equal(t, target, p.Get())
	events := fx.sink.Events()
	require.Len(t, events, 1)
	assert.True(t, events[0].internal)
	assert.Equal(t, orig, events[0].old)
	assert.Equal(t, 0, fx.env.Markers.Pending(frameKey))
}

func TestSetEchoBeforeConfirmEmitsOnce(t *testing.T) {
	fx := newFixture()
	p := New(fx.env, frameKey, platform.Rect{})
	target := platform.Rect{X: 1, Width: 10, Height: 10}

	done := p.Set(target)
	// the notification echoing the write arrives before the adapter returns
	fx.sink.Observe(p, target, CauseRead)
	fx.writer.At(0).Resolve(struct{}{}, nil)
	_, err := done.Wait()
	require.NoError(t, err)

	events := fx.sink.Events()
	require.Len(t, events, 1)
	assert.True(t, events[0].internal)
}

func TestSetFailureRollsBack(t *testing.T) {
	fx := newFixture()
	orig := platform.Rect{Width: 100, Height: 100}
	p := New(fx.env, frameKey, orig)

	done := p.Set(platform.Rect{X: 9, Width: 1, Height: 1})
	fx.writer.At(0).Resolve(struct{}{}, platform.NewAdapterError(platform.ErrTimeout, frameKey.Resource, frameKey.Attribute, nil))

	_, err := done.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWriteRejected)
	assert.ErrorIs(t, err, platform.ErrTimeout)
	var we *WriteError
	require.True(t, errors.As(err, &we))
	assert.Equal(t, frameKey, we.Key)

	assert.Equal(t, orig, p.Get())
	assert.Empty(t, fx.sink.Events())
	assert.Equal(t, 0, fx.env.Markers.Pending(frameKey))
}

func TestSetSameValueSharesInFlightWrite(t *testing.T) {
	fx := newFixture()
	p := New(fx.env, frameKey, platform.Rect{})
	target := platform.Rect{X: 3, Width: 3, Height: 3}

	a := p.Set(target)
	b := p.Set(target)
	assert.Same(t, a, b)
	assert.Equal(t, 1, fx.writer.Count())

	fx.writer.At(0).Resolve(struct{}{}, nil)
	_, err := b.Wait()
	require.NoError(t, err)

	c := p.Set(target)
	assert.NotSame(t, a, c, "a completed write is not shared")
}

func TestApplyDuringPendingWriteKeepsOptimisticValue(t *testing.T) {
	fx := newFixture()
	p := New(fx.env, frameKey, platform.Rect{})
	target := platform.Rect{X: 5, Width: 5, Height: 5}
	external := platform.Rect{X: 8, Width: 8, Height: 8}

	done := p.Set(target)
	_, changed, err := p.Apply(external)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, target, p.Get())

	fx.writer.At(0).Resolve(struct{}{}, errors.New("refused"))
	_, err = done.Wait()
	require.ErrorIs(t, err, ErrWriteRejected)
	assert.Equal(t, external, p.Get(), "rollback lands on the confirmed value")
}

func TestInvalidatedPropertyRejectsOperations(t *testing.T) {
	fx := newFixture()
	last := platform.Rect{X: 4, Width: 4, Height: 4}
	p := New(fx.env, frameKey, last)
	p.Invalidate()

	_, err := p.Refresh().Wait()
	assert.ErrorIs(t, err, ErrEntityInvalidated)
	_, err = p.Set(platform.Rect{}).Wait()
	assert.ErrorIs(t, err, ErrEntityInvalidated)
	_, _, err = p.Apply(platform.Rect{})
	assert.ErrorIs(t, err, ErrEntityInvalidated)
	assert.Equal(t, last, p.Get())
	assert.Zero(t, fx.writer.Count())
}

func TestReadOnlyPropertyRejectsSet(t *testing.T) {
	fx := newFixture()
	key := Key{Resource: platform.WindowResource(7), Attribute: platform.AttrTitle}
	p := NewReadOnly(fx.env, key, "w")

	_, err := p.Set("other").Wait()
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, err, ErrWriteRejected)
	assert.Equal(t, "w", p.Get())
}

func TestMarkersExpire(t *testing.T) {
	m := NewMarkers(time.Second, nil)
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	m.Add(frameKey, 1)
	assert.Equal(t, 1, m.Pending(frameKey))
	now = now.Add(2 * time.Second)
	assert.False(t, m.Consume(frameKey, 1))
	assert.Equal(t, 0, m.Pending(frameKey))
}

func TestMarkersConsumeMatchesValue(t *testing.T) {
	m := NewMarkers(0, nil)
	mk := m.Add(frameKey, 1)
	m.Add(frameKey, 2)

	assert.False(t, m.Consume(frameKey, 3))
	assert.True(t, m.Consume(frameKey, 2))
	assert.False(t, m.Consume(frameKey, 2))

	m.Remove(mk)
	assert.False(t, m.Consume(frameKey, 1))
}

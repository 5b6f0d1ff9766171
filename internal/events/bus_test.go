package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1broseidon/winsync/internal/platform"
)

type collector struct {
	mu  sync.Mutex
	evs []Event
}

func (c *collector) handle(ev Event) {
	c.mu.Lock()
	c.evs = append(c.evs, ev)
	c.mu.Unlock()
}

func (c *collector) seqs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []uint64
	for _, ev := range c.evs {
		out = append(out, ev.Seq)
	}
	return out
}

func TestBusDeliversInOrderByKind(t *testing.T) {
	b := NewBus(nil, nil)
	defer b.Close()

	var created, all collector
	b.On(WindowCreated, created.handle)
	b.OnAny(all.handle)

	b.Publish(
		Event{Seq: 1, Kind: WindowCreated},
		Event{Seq: 2, Kind: WindowFrameChanged},
		Event{Seq: 3, Kind: WindowCreated},
	)
	b.Flush()

	assert.Equal(t, []uint64{1, 3}, created.seqs())
	assert.Equal(t, []uint64{1, 2, 3}, all.seqs())
}

func TestBusDoesNotReplay(t *testing.T) {
	b := NewBus(nil, nil)
	defer b.Close()

	b.Publish(Event{Seq: 1, Kind: WindowCreated})
	var late collector
	b.On(WindowCreated, late.handle)
	b.Publish(Event{Seq: 2, Kind: WindowCreated})
	b.Flush()

	assert.Equal(t, []uint64{2}, late.seqs())
}

func TestBusCancel(t *testing.T) {
	b := NewBus(nil, nil)
	defer b.Close()

	var c collector
	cancel := b.On(ApplicationLaunched, c.handle)
	b.Publish(Event{Seq: 1, Kind: ApplicationLaunched})
	b.Flush()
	cancel()
	b.Publish(Event{Seq: 2, Kind: ApplicationLaunched})
	b.Flush()

	assert.Equal(t, []uint64{1}, c.seqs())
}

func TestBusSurvivesPanickingHandler(t *testing.T) {
	b := NewBus(nil, nil)
	defer b.Close()

	var c collector
	b.On(WindowCreated, func(Event) { panic("boom") })
	b.On(WindowCreated, c.handle)
	b.Publish(Event{Seq: 1, Kind: WindowCreated})
	b.Flush()

	assert.Equal(t, []uint64{1}, c.seqs())
}

func TestBusPublishDoesNotWaitForHandlers(t *testing.T) {
	b := NewBus(nil, nil)
	defer b.Close()

	release := make(chan struct{})
	b.On(WindowCreated, func(Event) { <-release })
	for i := range 100 {
		b.Publish(Event{Seq: uint64(i), Kind: WindowCreated})
	}
	close(release)
	b.Flush()
}

func TestKindNamesRoundTrip(t *testing.T) {
	for _, k := range Kinds() {
		got, ok := ParseKind(k.String())
		require.True(t, ok, k.String())
		assert.Equal(t, k, got)
	}
	_, ok := ParseKind("nope")
	assert.False(t, ok)
}

func TestEventReferences(t *testing.T) {
	created := Event{Kind: WindowCreated, Window: 5}
	assert.True(t, created.References(5))

	main := Event{Kind: ApplicationMainWindowChanged, Attribute: platform.AttrMainWindow, Old: platform.WindowID(4), New: platform.WindowID(5)}
	assert.True(t, main.References(5))
	assert.False(t, main.References(4))
	assert.False(t, main.References(0))
}

package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1broseidon/winsync/internal/platform"
)

var seqRes = platform.WindowResource(1)

func hinted(seq uint64) platform.RawNotification {
	return platform.RawNotification{Resource: seqRes, Kind: platform.NotifyAttributeChanged, Attribute: platform.AttrFrame, Sequence: seq}
}

func sequences(ns []platform.RawNotification) []uint64 {
	out := make([]uint64, len(ns))
	for i, n := range ns {
		out[i] = n.Sequence
	}
	return out
}

func fixedWindow(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}

func TestSequencerWithoutHintsKeepsArrivalOrder(t *testing.T) {
	s := newSequencer(fixedWindow(time.Second))
	now := time.Now()
	for range 3 {
		ready, stale := s.push(hinted(0), now)
		assert.False(t, stale)
		assert.Len(t, ready, 1)
	}
	assert.Zero(t, s.pending())
}

func TestSequencerHoldsGapUntilFilled(t *testing.T) {
	s := newSequencer(fixedWindow(time.Second))
	now := time.Now()

	ready, _ := s.push(hinted(1), now)
	assert.Equal(t, []uint64{1}, sequences(ready))

	ready, _ = s.push(hinted(4), now)
	assert.Empty(t, ready)
	ready, _ = s.push(hinted(3), now)
	assert.Empty(t, ready)
	assert.Equal(t, 2, s.pending())

	ready, _ = s.push(hinted(2), now)
	assert.Equal(t, []uint64{2, 3, 4}, sequences(ready))
	assert.Zero(t, s.pending())
}

func TestSequencerHoldsFirstHintAboveOne(t *testing.T) {
	s := newSequencer(fixedWindow(50 * time.Millisecond))
	start := time.Now()

	ready, stale := s.push(hinted(6), start)
	assert.False(t, stale)
	assert.Empty(t, ready)
	ready, stale = s.push(hinted(5), start.Add(10*time.Millisecond))
	assert.False(t, stale, "an earlier hint arriving second is not stale")
	assert.Empty(t, ready)

	assert.Equal(t, []uint64{5, 6}, sequences(s.expire(start.Add(50*time.Millisecond))))
	_, stale = s.push(hinted(4), start.Add(60*time.Millisecond))
	assert.True(t, stale)
}

func TestSequencerFirstHintFillsHeldGap(t *testing.T) {
	s := newSequencer(fixedWindow(time.Second))
	now := time.Now()
	s.push(hinted(3), now)
	s.push(hinted(2), now)

	ready, _ := s.push(hinted(1), now)
	assert.Equal(t, []uint64{1, 2, 3}, sequences(ready))
	assert.Zero(t, s.pending())
}

func TestSequencerDropsStaleHints(t *testing.T) {
	s := newSequencer(fixedWindow(time.Second))
	now := time.Now()
	s.push(hinted(1), now)
	s.push(hinted(2), now)

	ready, stale := s.push(hinted(2), now)
	assert.True(t, stale)
	assert.Empty(t, ready)
	_, stale = s.push(hinted(1), now)
	assert.True(t, stale)

	s.push(hinted(4), now)
	_, stale = s.push(hinted(4), now)
	assert.True(t, stale, "duplicate of a held hint")
}

func TestSequencerReleasesGapAfterWindow(t *testing.T) {
	s := newSequencer(fixedWindow(50 * time.Millisecond))
	start := time.Now()
	s.push(hinted(1), start)
	s.push(hinted(4), start)
	s.push(hinted(3), start.Add(10*time.Millisecond))

	d, ok := s.deadline()
	require.True(t, ok)
	assert.Equal(t, start.Add(50*time.Millisecond), d)

	assert.Empty(t, s.expire(start.Add(40*time.Millisecond)))
	assert.Equal(t, []uint64{3, 4}, sequences(s.expire(start.Add(50*time.Millisecond))))
	_, ok = s.deadline()
	assert.False(t, ok)

	// 2 never arrived; when it does it is stale
	_, stale := s.push(hinted(2), start.Add(60*time.Millisecond))
	assert.True(t, stale)
	ready, _ := s.push(hinted(5), start.Add(60*time.Millisecond))
	assert.Equal(t, []uint64{5}, sequences(ready))
}

func TestSequencerUnhintedFlushesHeld(t *testing.T) {
	s := newSequencer(fixedWindow(time.Second))
	now := time.Now()
	s.push(hinted(1), now)
	s.push(hinted(3), now)

	ready, _ := s.push(hinted(0), now)
	assert.Equal(t, []uint64{3, 0}, sequences(ready))
}

func TestSequencerZeroWindowDisablesReordering(t *testing.T) {
	s := newSequencer(fixedWindow(0))
	now := time.Now()
	s.push(hinted(1), now)
	ready, stale := s.push(hinted(5), now)
	assert.False(t, stale)
	assert.Equal(t, []uint64{5}, sequences(ready))
}

func TestSequencerForget(t *testing.T) {
	s := newSequencer(fixedWindow(time.Second))
	now := time.Now()
	s.push(hinted(9), now)
	s.push(hinted(11), now)
	s.forget(seqRes)
	assert.Zero(t, s.pending())

	ready, stale := s.push(hinted(1), now)
	assert.False(t, stale)
	assert.Len(t, ready, 1)
}

func TestSequencerHintsArePerResource(t *testing.T) {
	s := newSequencer(fixedWindow(time.Second))
	now := time.Now()
	s.push(hinted(1), now)
	s.push(hinted(2), now)

	other := platform.RawNotification{Resource: platform.WindowResource(2), Sequence: 1}
	ready, stale := s.push(other, now)
	assert.False(t, stale)
	assert.Len(t, ready, 1)
}

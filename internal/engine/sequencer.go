package engine

import (
	"container/heap"
	"time"

	"github.com/1broseidon/winsync/internal/platform"
)

// heldQueue is a min-heap of notifications by adapter sequence hint.
type heldQueue []platform.RawNotification

func (q heldQueue) Len() int           { return len(q) }
func (q heldQueue) Less(i, j int) bool { return q[i].Sequence < q[j].Sequence }
func (q heldQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *heldQueue) Push(x any)        { *q = append(*q, x.(platform.RawNotification)) }
func (q *heldQueue) Pop() any {
	old := *q
	n := old[len(old)-1]
	*q = old[:len(old)-1]
	return n
}

type gap struct {
	held   heldQueue
	opened time.Time
}

// sequencer restores per-resource order from adapter sequence hints.
//
// Hints are only compared within one resource. A notification without a
// hint is released in arrival order, after anything held for its resource.
// A hint at or below the last released one is stale and dropped. A hint
// that skips ahead is held until the missing ones arrive or the reorder
// window since the gap opened elapses, at which point everything held for
// that resource is released in hint order. Hints start at 1, so the first
// hint seen for a resource is held too unless it is 1.
type sequencer struct {
	window func() time.Duration
	last   map[platform.Resource]uint64
	gaps   map[platform.Resource]*gap
}

func newSequencer(window func() time.Duration) *sequencer {
	return &sequencer{
		window: window,
		last:   make(map[platform.Resource]uint64),
		gaps:   make(map[platform.Resource]*gap),
	}
}

// push admits n and returns the notifications now ready, in order, and
// whether n itself was dropped as stale.
func (s *sequencer) push(n platform.RawNotification, now time.Time) (ready []platform.RawNotification, stale bool) {
	res := n.Resource
	if n.Sequence == 0 {
		ready = s.flush(res, nil)
		return append(ready, n), false
	}
	last, seen := s.last[res]
	if seen && n.Sequence <= last {
		return nil, true
	}
	if n.Sequence == last+1 || s.window() <= 0 {
		s.last[res] = n.Sequence
		return s.advance(res, []platform.RawNotification{n}), false
	}

	g, ok := s.gaps[res]
	if !ok {
		g = &gap{opened: now}
		s.gaps[res] = g
	}
	for _, h := range g.held {
		if h.Sequence == n.Sequence {
			return nil, true
		}
	}
	heap.Push(&g.held, n)
	return nil, false
}

// expire releases every resource whose gap has been open for the reorder
// window.
func (s *sequencer) expire(now time.Time) []platform.RawNotification {
	var ready []platform.RawNotification
	for res, g := range s.gaps {
		if now.Sub(g.opened) >= s.window() {
			ready = s.flush(res, ready)
		}
	}
	return ready
}

// deadline returns when the oldest open gap expires.
func (s *sequencer) deadline() (time.Time, bool) {
	var (
		earliest time.Time
		found    bool
	)
	for _, g := range s.gaps {
		d := g.opened.Add(s.window())
		if !found || d.Before(earliest) {
			earliest, found = d, true
		}
	}
	return earliest, found
}

// pending returns the number of held notifications.
func (s *sequencer) pending() int {
	n := 0
	for _, g := range s.gaps {
		n += len(g.held)
	}
	return n
}

// forget drops sequencing state for res.
func (s *sequencer) forget(res platform.Resource) {
	delete(s.last, res)
	delete(s.gaps, res)
}

// advance releases held notifications that directly follow the last
// released hint.
func (s *sequencer) advance(res platform.Resource, ready []platform.RawNotification) []platform.RawNotification {
	g, ok := s.gaps[res]
	if !ok {
		return ready
	}
	for g.held.Len() > 0 {
		next := g.held[0]
		last := s.last[res]
		if next.Sequence <= last {
			heap.Pop(&g.held)
			continue
		}
		if next.Sequence != last+1 {
			break
		}
		heap.Pop(&g.held)
		s.last[res] = next.Sequence
		ready = append(ready, next)
	}
	if g.held.Len() == 0 {
		delete(s.gaps, res)
	}
	return ready
}

func (s *sequencer) flush(res platform.Resource, ready []platform.RawNotification) []platform.RawNotification {
	g, ok := s.gaps[res]
	if !ok {
		return ready
	}
	for g.held.Len() > 0 {
		n := heap.Pop(&g.held).(platform.RawNotification)
		s.last[res] = n.Sequence
		ready = append(ready, n)
	}
	delete(s.gaps, res)
	return ready
}

package property

import (
	"sync"
	"time"

	"github.com/1broseidon/winsync/internal/metrics"
)

// DefaultMarkerTTL bounds how long a pending write may claim a matching
// notification as its own.
const DefaultMarkerTTL = 2 * time.Second

// Marker records a write this process issued and the value it expects the
// adapter to echo back.
type Marker struct {
	key     Key
	value   any
	expires time.Time
}

// Markers is the table of pending-write markers shared by every Property
// (which adds them) and the event engine (which consumes them). Matching is
// a heuristic: an unrelated external change to the same value inside the TTL
// is attributed to the write.
type Markers struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	byKey   map[Key][]*Marker
	metrics *metrics.Metrics
}

// NewMarkers creates an empty table. A non-positive ttl selects
// DefaultMarkerTTL.
func NewMarkers(ttl time.Duration, m *metrics.Metrics) *Markers {
	if ttl <= 0 {
		ttl = DefaultMarkerTTL
	}
	return &Markers{
		ttl:     ttl,
		now:     time.Now,
		byKey:   make(map[Key][]*Marker),
		metrics: m,
	}
}

// SetTTL changes the lifetime of markers added from now on.
func (m *Markers) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	m.ttl = ttl
	m.mu.Unlock()
}

// Add registers a marker for key expecting value.
func (m *Markers) Add(key Key, value any) *Marker {
	m.mu.Lock()
	defer m.mu.Unlock()
	mk := &Marker{key: key, value: value, expires: m.now().Add(m.ttl)}
	m.byKey[key] = append(m.pruneLocked(key), mk)
	return mk
}

// Remove drops mk if it is still pending.
func (m *Markers) Remove(mk *Marker) {
	if mk == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.byKey[mk.key]
	for i, cur := range list {
		if cur == mk {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	m.storeLocked(mk.key, list)
}

// Consume reports whether an unexpired marker for key expects value, and
// removes the oldest such marker.
func (m *Markers) Consume(key Key, value any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.pruneLocked(key)
	for i, cur := range list {
		if cur.value == value {
			list = append(list[:i:i], list[i+1:]...)
			m.storeLocked(key, list)
			return true
		}
	}
	m.storeLocked(key, list)
	return false
}

// Pending returns the number of unexpired markers for key.
func (m *Markers) Pending(key Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.pruneLocked(key)
	m.storeLocked(key, list)
	return len(list)
}

// Drop forgets every marker for resource keys matching fn. Used when an
// entity is invalidated.
func (m *Markers) Drop(fn func(Key) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.byKey {
		if fn(key) {
			delete(m.byKey, key)
		}
	}
}

func (m *Markers) pruneLocked(key Key) []*Marker {
	list := m.byKey[key]
	if len(list) == 0 {
		return nil
	}
	now := m.now()
	kept := list[:0]
	for _, mk := range list {
		if now.After(mk.expires) {
			m.metrics.MarkerExpired()
			continue
		}
		kept = append(kept, mk)
	}
	return kept
}

func (m *Markers) storeLocked(key Key, list []*Marker) {
	if len(list) == 0 {
		delete(m.byKey, key)
		return
	}
	m.byKey[key] = list
}

// Package flowtable implements bounded, LRU-ordered flow tables.
package flowtable

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmpesp/opte/internal/core"
)

// DefaultLimit is the per-direction capacity used when none is configured.
const DefaultLimit = 8096

type entry[K comparable, V any] struct {
	key      K
	val      V
	hits     atomic.Uint64
	created  time.Time
	lastSeen atomic.Int64 // unix nanos
}

func (e *entry[K, V]) touch(now time.Time) {
	e.hits.Add(1)
	e.lastSeen.Store(now.UnixNano())
}

type removed[K comparable, V any] struct {
	key K
	val V
}

// Snapshot is a point-in-time copy of one entry.
type Snapshot[K comparable, V any] struct {
	Key      K
	Value    V
	Hits     uint64
	Created  time.Time
	LastSeen time.Time
}

// Option configures a Table.
type Option[K comparable, V any] func(*Table[K, V])

// WithOnRemove registers fn to run for every entry leaving the table
// (eviction, removal, expiry, clear). fn runs after the table lock is released.
func WithOnRemove[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(t *Table[K, V]) { t.onRemove = fn }
}

// WithEvictable restricts capacity eviction to entries for which fn is true.
// Pinned entries still leave through Remove, Expire and Clear.
func WithEvictable[K comparable, V any](fn func(V) bool) Option[K, V] {
	return func(t *Table[K, V]) { t.evictable = fn }
}

// WithClock overrides time.Now.
func WithClock[K comparable, V any](fn func() time.Time) Option[K, V] {
	return func(t *Table[K, V]) { t.now = fn }
}

// Table is a fixed-capacity map from flow key to value. The list is kept
// in recency order, most recently used at the front.
type Table[K comparable, V any] struct {
	name  string
	limit int

	mu    sync.Mutex
	ll    *list.List
	items map[K]*list.Element

	onRemove  func(K, V)
	evictable func(V) bool
	now       func() time.Time
}

// New creates a table holding at most limit entries.
func New[K comparable, V any](name string, limit int, opts ...Option[K, V]) *Table[K, V] {
	if limit <= 0 {
		limit = DefaultLimit
	}
	t := &Table[K, V]{
		name:  name,
		limit: limit,
		ll:    list.New(),
		items: make(map[K]*list.Element),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the table name.
func (t *Table[K, V]) Name() string { return t.name }

// Limit returns the configured capacity.
func (t *Table[K, V]) Limit() int { return t.limit }

// Len returns the current number of entries.
func (t *Table[K, V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ll.Len()
}

// Lookup returns the value for k, counting a hit and refreshing recency.
func (t *Table[K, V]) Lookup(k K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.items[k]
	if !ok {
		var zero V
		return zero, false
	}
	t.ll.MoveToFront(el)
	e := el.Value.(*entry[K, V])
	e.touch(t.now())
	return e.val, true
}

// Peek returns the value for k without touching it.
func (t *Table[K, V]) Peek(k K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.items[k]; ok {
		return el.Value.(*entry[K, V]).val, true
	}
	var zero V
	return zero, false
}

// Touch counts a hit on k. It reports whether k was present.
func (t *Table[K, V]) Touch(k K) bool {
	_, ok := t.Lookup(k)
	return ok
}

// Refresh moves k's last-seen time forward to at without counting a hit.
func (t *Table[K, V]) Refresh(k K, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.items[k]
	if !ok {
		return false
	}
	e := el.Value.(*entry[K, V])
	if at.UnixNano() > e.lastSeen.Load() {
		e.lastSeen.Store(at.UnixNano())
	}
	return true
}

// Insert adds or replaces k. When the table is full the least recently used
// evictable entry makes room; ErrTableFull is returned if none can.
func (t *Table[K, V]) Insert(k K, v V) error {
	_, err := t.InsertIf(k, v, nil)
	return err
}

// InsertIf is Insert guarded by cond, which runs under the table lock.
// It reports whether the entry was stored.
func (t *Table[K, V]) InsertIf(k K, v V, cond func() bool) (bool, error) {
	var gone []removed[K, V]
	defer func() { t.notify(gone) }()

	t.mu.Lock()
	defer t.mu.Unlock()

	if cond != nil && !cond() {
		return false, nil
	}

	now := t.now()
	if el, ok := t.items[k]; ok {
		e := el.Value.(*entry[K, V])
		e.val = v
		e.touch(now)
		t.ll.MoveToFront(el)
		return true, nil
	}

	r, err := t.addLocked(k, v, now)
	gone = r
	return err == nil, err
}

// LookupOrInsert returns the entry for k, storing mk() first when k is
// absent. loaded reports whether the entry already existed.
func (t *Table[K, V]) LookupOrInsert(k K, mk func() V) (v V, loaded bool, err error) {
	var gone []removed[K, V]
	defer func() { t.notify(gone) }()

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if el, ok := t.items[k]; ok {
		e := el.Value.(*entry[K, V])
		e.touch(now)
		t.ll.MoveToFront(el)
		return e.val, true, nil
	}
	v = mk()
	gone, err = t.addLocked(k, v, now)
	if err != nil {
		var zero V
		return zero, false, err
	}
	return v, false, nil
}

func (t *Table[K, V]) addLocked(k K, v V, now time.Time) ([]removed[K, V], error) {
	var gone []removed[K, V]
	if t.ll.Len() >= t.limit {
		r, ok := t.evictLocked()
		if !ok {
			return nil, fmt.Errorf("%w: %s at %d entries", core.ErrTableFull, t.name, t.limit)
		}
		gone = append(gone, r)
	}

	e := &entry[K, V]{key: k, val: v, created: now}
	e.lastSeen.Store(now.UnixNano())
	t.items[k] = t.ll.PushFront(e)
	return gone, nil
}

// EvictIfFull evicts one entry when the table is at capacity.
func (t *Table[K, V]) EvictIfFull() bool {
	var gone []removed[K, V]
	defer func() { t.notify(gone) }()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ll.Len() < t.limit {
		return false
	}
	r, ok := t.evictLocked()
	if ok {
		gone = append(gone, r)
	}
	return ok
}

// evictLocked removes the least recently used evictable entry.
func (t *Table[K, V]) evictLocked() (removed[K, V], bool) {
	for el := t.ll.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry[K, V])
		if t.evictable != nil && !t.evictable(e.val) {
			continue
		}
		t.unlinkLocked(el)
		return removed[K, V]{e.key, e.val}, true
	}
	return removed[K, V]{}, false
}

func (t *Table[K, V]) unlinkLocked(el *list.Element) {
	e := el.Value.(*entry[K, V])
	t.ll.Remove(el)
	delete(t.items, e.key)
}

// Remove deletes k and returns its value.
func (t *Table[K, V]) Remove(k K) (V, bool) {
	var gone []removed[K, V]
	defer func() { t.notify(gone) }()

	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.items[k]
	if !ok {
		var zero V
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	t.unlinkLocked(el)
	gone = append(gone, removed[K, V]{e.key, e.val})
	return e.val, true
}

// RemoveIf deletes every entry for which pred is true.
func (t *Table[K, V]) RemoveIf(pred func(K, V) bool) int {
	var gone []removed[K, V]
	defer func() { t.notify(gone) }()

	t.mu.Lock()
	defer t.mu.Unlock()
	for el := t.ll.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry[K, V])
		if pred(e.key, e.val) {
			t.unlinkLocked(el)
			gone = append(gone, removed[K, V]{e.key, e.val})
		}
		el = next
	}
	return len(gone)
}

// Expire deletes entries not seen since now-idle.
func (t *Table[K, V]) Expire(now time.Time, idle time.Duration) int {
	var gone []removed[K, V]
	defer func() { t.notify(gone) }()

	cutoff := now.Add(-idle).UnixNano()
	t.mu.Lock()
	defer t.mu.Unlock()
	for el := t.ll.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry[K, V])
		if e.lastSeen.Load() < cutoff {
			t.unlinkLocked(el)
			gone = append(gone, removed[K, V]{e.key, e.val})
		}
		el = prev
	}
	return len(gone)
}

// Clear removes every entry.
func (t *Table[K, V]) Clear() int {
	var gone []removed[K, V]
	defer func() { t.notify(gone) }()

	t.mu.Lock()
	defer t.mu.Unlock()
	for el := t.ll.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry[K, V])
		gone = append(gone, removed[K, V]{e.key, e.val})
	}
	t.ll.Init()
	t.items = make(map[K]*list.Element)
	return len(gone)
}

// Dump returns a consistent snapshot, most recently used first.
func (t *Table[K, V]) Dump() []Snapshot[K, V] {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Snapshot[K, V], 0, t.ll.Len())
	for el := t.ll.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry[K, V])
		out = append(out, Snapshot[K, V]{
			Key:      e.key,
			Value:    e.val,
			Hits:     e.hits.Load(),
			Created:  e.created,
			LastSeen: time.Unix(0, e.lastSeen.Load()),
		})
	}
	return out
}

func (t *Table[K, V]) notify(gone []removed[K, V]) {
	if t.onRemove == nil {
		return
	}
	for _, r := range gone {
		t.onRemove(r.key, r.val)
	}
}

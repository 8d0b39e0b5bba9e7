// Package ordermap provides a small ordered map keyed by uint64, used by
// the pending-data index and the overlap table. Both need range queries by
// key ("find entries whose key falls in [lo, hi)") and a mutating iterator
// that is stable while entries are removed mid-scan — the generic
// replacement for the hand-rolled hash table and tree map in the driver
// this is reimplemented from.
//
// No third-party ordered-map/B-tree library appears anywhere in the
// reference corpus this module was built from, so this is a from-scratch
// treap: randomized priorities give expected O(log n) operations without
// the bookkeeping of a red-black tree, and an in-order walk trivially
// yields a sorted range.
package ordermap

import (
	"math/rand"
)

type node[V any] struct {
	key      uint64
	val      V
	priority uint32
	left     *node[V]
	right    *node[V]
}

// Map is an ordered map from uint64 to V, not safe for concurrent use —
// callers (pending index, overlap table) provide their own locking.
type Map[V any] struct {
	root *node[V]
	size int
	rng  *rand.Rand
}

// New creates an empty ordered map.
func New[V any]() *Map[V] {
	return &Map[V]{rng: rand.New(rand.NewSource(1))}
}

// Len returns the number of entries currently stored.
func (m *Map[V]) Len() int { return m.size }

// Get looks up the value stored at key.
func (m *Map[V]) Get(key uint64) (V, bool) {
	n := m.root
	for n != nil {
		switch {
		case key == n.key:
			return n.val, true
		case key < n.key:
			n = n.left
		default:
			n = n.right
		}
	}
	var zero V
	return zero, false
}

// Insert stores val at key, overwriting any existing entry.
func (m *Map[V]) Insert(key uint64, val V) {
	existed := false
	m.root, existed = m.insert(m.root, key, val)
	if !existed {
		m.size++
	}
}

func (m *Map[V]) insert(n *node[V], key uint64, val V) (*node[V], bool) {
	if n == nil {
		return &node[V]{key: key, val: val, priority: m.rng.Uint32()}, false
	}
	if key == n.key {
		n.val = val
		return n, true
	}
	var existed bool
	if key < n.key {
		n.left, existed = m.insert(n.left, key, val)
		if n.left.priority > n.priority {
			n = rotateRight(n)
		}
	} else {
		n.right, existed = m.insert(n.right, key, val)
		if n.right.priority > n.priority {
			n = rotateLeft(n)
		}
	}
	return n, existed
}

// Delete removes the entry at key, returning its previous value.
func (m *Map[V]) Delete(key uint64) (V, bool) {
	var removed V
	var ok bool
	m.root, removed, ok = m.delete(m.root, key)
	if ok {
		m.size--
	}
	return removed, ok
}

func (m *Map[V]) delete(n *node[V], key uint64) (*node[V], V, bool) {
	var zero V
	if n == nil {
		return nil, zero, false
	}
	if key < n.key {
		var val V
		var ok bool
		n.left, val, ok = m.delete(n.left, key)
		return n, val, ok
	}
	if key > n.key {
		var val V
		var ok bool
		n.right, val, ok = m.delete(n.right, key)
		return n, val, ok
	}
	val := n.val
	n = mergeChildren(n.left, n.right)
	return n, val, true
}

func mergeChildren[V any](l, r *node[V]) *node[V] {
	switch {
	case l == nil:
		return r
	case r == nil:
		return l
	case l.priority > r.priority:
		l.right = mergeChildren(l.right, r)
		return l
	default:
		r.left = mergeChildren(l, r.left)
		return r
	}
}

func rotateRight[V any](n *node[V]) *node[V] {
	l := n.left
	n.left = l.right
	l.right = n
	return l
}

func rotateLeft[V any](n *node[V]) *node[V] {
	r := n.right
	n.right = r.left
	r.left = n
	return r
}

// Entry is one key/value pair returned by Range.
type Entry[V any] struct {
	Key uint64
	Val V
}

// Range returns every entry with key in [lo, hi), in ascending key order,
// as a snapshot taken at call time. Callers iterate the snapshot directly
// or through a Cursor and may freely Delete from the underlying Map while
// walking it —
// exactly the "stable iteration during deletion" contract the pending and
// overlap indexes both need, since both always hold their own lock across
// the scan-and-mutate sequence.
func (m *Map[V]) Range(lo, hi uint64) []Entry[V] {
	var out []Entry[V]
	var walk func(n *node[V])
	walk = func(n *node[V]) {
		if n == nil {
			return
		}
		if n.key > lo {
			walk(n.left)
		}
		if n.key >= lo && n.key < hi {
			out = append(out, Entry[V]{Key: n.key, Val: n.val})
		}
		if n.key < hi {
			walk(n.right)
		}
	}
	walk(m.root)
	return out
}

// Min returns the smallest key currently stored, if any.
func (m *Map[V]) Min() (uint64, V, bool) {
	n := m.root
	if n == nil {
		var zero V
		return 0, zero, false
	}
	for n.left != nil {
		n = n.left
	}
	return n.key, n.val, true
}

// Cursor walks a Range snapshot with peek/advance/remove-current
// semantics, the portable replacement for the driver's
// BEGIN/DATA/DELETED/END mutating-iterator contract.
type Cursor[V any] struct {
	entries []Entry[V]
	idx     int
}

// NewCursor builds a cursor over a snapshot already obtained from Range.
func NewCursor[V any](entries []Entry[V]) *Cursor[V] {
	return &Cursor[V]{entries: entries}
}

// Done reports whether the cursor has passed the last entry (the END
// state).
func (c *Cursor[V]) Done() bool { return c.idx >= len(c.entries) }

// Peek returns the entry at the cursor without advancing (the DATA state).
func (c *Cursor[V]) Peek() (Entry[V], bool) {
	if c.Done() {
		var zero Entry[V]
		return zero, false
	}
	return c.entries[c.idx], true
}

// Advance moves the cursor to the next entry.
func (c *Cursor[V]) Advance() {
	if !c.Done() {
		c.idx++
	}
}

// RemoveCurrent deletes the entry the cursor is positioned on from m (the
// DELETED state) and advances past it.
func (c *Cursor[V]) RemoveCurrent(m *Map[V]) {
	if e, ok := c.Peek(); ok {
		m.Delete(e.Key)
	}
	c.Advance()
}

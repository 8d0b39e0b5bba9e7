package core

import (
	"sync"

	"github.com/walb-project/walb/internal/ordermap"
)

// OverlapTable serializes concurrent data-device writes whose logical
// ranges intersect (spec section 4.5): a new write counts how many
// still-in-flight writes it overlaps, and only becomes ready for
// submission once that count reaches zero. Keyed on pos_lb, but — exactly
// as in PendingIndex — more than one in-flight write can share the same
// pos_lb without one covering the other, so each key holds a bucket
// rather than a single wrapper; a single-valued map would let a second
// overlapping write at the same offset silently drop the first from the
// index, undercounting a third write's overlap set.
type OverlapTable struct {
	mu           sync.Mutex
	m            *ordermap.Map[[]*BioWrapper]
	maxSeenLenLB uint64
}

// NewOverlapTable creates an empty overlap table.
func NewOverlapTable() *OverlapTable {
	return &OverlapTable{m: ordermap.New[[]*BioWrapper]()}
}

// Insert adds w to the table. It reports true only when w has no
// in-flight overlapping predecessor AND its permanence gate was already
// satisfied before insertion (an unusual race, normally false at this
// point) — the caller must enqueue w for data submission immediately
// when true, exactly like an entry in Complete's returned slice.
func (t *OverlapTable) Insert(w *BioWrapper) (readyNow bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	lo := safeSub(w.PosLB, t.maxSeenLenLB)
	n := 0
	for _, e := range t.m.Range(lo, w.End()) {
		for _, v := range e.Val {
			if v != w && v.Overlaps(w.PosLB, w.LenLB) {
				n++
			}
		}
	}
	w.setNOverlapped(n)
	bucket, _ := t.m.Get(w.PosLB)
	t.m.Insert(w.PosLB, append(bucket, w))
	if w.LenLB > t.maxSeenLenLB {
		t.maxSeenLenLB = w.LenLB
	}
	if n == 0 {
		return w.markOverlapReady()
	}
	w.setState(StateDelayed)
	return false
}

// Complete removes w from the table and returns every successor that has
// just become overlap-ready (n_overlapped dropped to zero) and whose
// permanence gate is already satisfied, so it may be enqueued for data
// submission immediately (spec section 4.5, the FIFO ordering guarantee,
// ANDed with the section 4.3 permanence gate tracked on the wrapper
// itself). A successor still waiting on permanence is not returned; it is
// enqueued later by releasePack.
func (t *OverlapTable) Complete(w *BioWrapper) []*BioWrapper {
	t.mu.Lock()
	defer t.mu.Unlock()

	if bucket, ok := t.m.Get(w.PosLB); ok {
		for i, cur := range bucket {
			if cur == w {
				bucket = append(bucket[:i], bucket[i+1:]...)
				if len(bucket) == 0 {
					t.m.Delete(w.PosLB)
				} else {
					t.m.Insert(w.PosLB, bucket)
				}
				break
			}
		}
	}

	lo := safeSub(w.PosLB, t.maxSeenLenLB)
	var ready []*BioWrapper
	for _, e := range t.m.Range(lo, w.End()) {
		for _, succ := range e.Val {
			if succ == w || !succ.Overlaps(w.PosLB, w.LenLB) {
				continue
			}
			if succ.hasState(StateDelayed) && succ.decNOverlapped() == 0 {
				if succ.markOverlapReady() {
					ready = append(ready, succ)
				}
			}
		}
	}
	return ready
}

// Len returns the number of in-flight writes tracked.
func (t *OverlapTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m.Len()
}

package core

import (
	"sync"
	"time"

	"github.com/walb-project/walb/internal/ordermap"
)

// PendingIndex is the read-patch index of spec section 4.4: a map from
// pos_lb to the bio wrappers currently writing there, consulted by reads so
// they see bytes not yet durable on DDEV. Keyed on pos_lb alone, but more
// than one in-flight write can legitimately start at the same pos_lb
// (same offset, different length) without one covering the other, so each
// key holds a bucket of wrappers rather than a single value.
type PendingIndex struct {
	mu   sync.Mutex
	cond *sync.Cond
	m    *ordermap.Map[[]*BioWrapper]

	maxSeenLenLB      uint64
	pendingSectors    uint64 // sum of LenLB, discards count as 1
	maxPendingSectors uint64
	minPendingSectors uint64
	queueStopTimeout  time.Duration

	frozen bool
}

// NewPendingIndex creates an empty pending index with the given
// backpressure thresholds (spec section 4.4).
func NewPendingIndex(maxPendingSectors, minPendingSectors uint64, queueStopTimeout time.Duration) *PendingIndex {
	p := &PendingIndex{
		m:                 ordermap.New[[]*BioWrapper](),
		maxPendingSectors: maxPendingSectors,
		minPendingSectors: minPendingSectors,
		queueStopTimeout:  queueStopTimeout,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func sectorsOf(w *BioWrapper) uint64 {
	if w.Op == OpDiscard {
		return 1
	}
	return w.LenLB
}

// WouldExceed reports whether admitting a write of newLen logical blocks
// would exceed the configured backpressure ceiling, without mutating
// state. The pack builder calls this before dequeuing further writes.
func (p *PendingIndex) WouldExceed(newLen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingSectors+newLen > p.maxPendingSectors
}

// WaitForRoom blocks until pending_sectors drops below min_pending_sectors
// or queue_stop_timeout elapses, whichever comes first (spec section 4.4).
func (p *PendingIndex) WaitForRoom() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pendingSectors < p.minPendingSectors {
		return
	}
	p.frozen = true
	deadline := time.Now().Add(p.queueStopTimeout)
	for p.pendingSectors >= p.minPendingSectors {
		remaining := time.Until(deadline)
		if p.queueStopTimeout > 0 && remaining <= 0 {
			break
		}
		if p.queueStopTimeout <= 0 {
			p.cond.Wait()
			continue
		}
		timer := time.AfterFunc(remaining, p.cond.Broadcast)
		p.cond.Wait()
		timer.Stop()
	}
	p.frozen = false
}

// Insert places w in the bucket at key w.PosLB. Any existing pending entry
// whose range overlaps w and is fully covered by w is marked Overwritten
// and removed from its bucket (spec section 4.4); an overlapping entry
// that shares w's exact pos_lb but isn't covered (e.g. a shorter write at
// the same offset) is left in the bucket alongside w rather than being
// silently evicted by a same-key overwrite.
func (p *PendingIndex) Insert(w *BioWrapper) {
	p.mu.Lock()
	defer p.mu.Unlock()

	lo := safeSub(w.PosLB, p.maxSeenLenLB)
	for _, e := range p.m.Range(lo, w.End()) {
		bucket := e.Val
		kept := bucket[:0]
		for _, old := range bucket {
			if old == w {
				kept = append(kept, old)
				continue
			}
			if old.Overlaps(w.PosLB, w.LenLB) && w.Covers(old) {
				old.MarkOverwritten()
				p.pendingSectors -= sectorsOf(old)
				continue
			}
			kept = append(kept, old)
		}
		if len(kept) == 0 {
			p.m.Delete(e.Key)
		} else {
			p.m.Insert(e.Key, kept)
		}
	}

	bucket, _ := p.m.Get(w.PosLB)
	p.m.Insert(w.PosLB, append(bucket, w))
	p.pendingSectors += sectorsOf(w)
	if w.LenLB > p.maxSeenLenLB {
		p.maxSeenLenLB = w.LenLB
	}
	p.cond.Broadcast()
}

// Delete removes w from its bucket unless it was already marked
// Overwritten (in which case a newer write already removed its entry).
func (p *PendingIndex) Delete(w *BioWrapper) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.IsOverwritten() {
		return
	}
	bucket, ok := p.m.Get(w.PosLB)
	if !ok {
		return
	}
	for i, cur := range bucket {
		if cur == w {
			bucket = append(bucket[:i], bucket[i+1:]...)
			if len(bucket) == 0 {
				p.m.Delete(w.PosLB)
			} else {
				p.m.Insert(w.PosLB, bucket)
			}
			p.pendingSectors -= sectorsOf(w)
			p.cond.Broadcast()
			return
		}
	}
}

// CheckAndCopy scans pending writes overlapping readW's range and copies
// any still-pending overwriting bytes into readW's buffer. The index lock
// is held for the whole scan so a concurrent completion cannot remove an
// entry mid-copy (spec section 4.4).
func (p *PendingIndex) CheckAndCopy(readW *BioWrapper) {
	p.mu.Lock()
	defer p.mu.Unlock()

	lo := safeSub(readW.PosLB, p.maxSeenLenLB)
	entries := p.m.Range(lo, readW.End())
	for _, e := range entries {
		for _, w := range e.Val {
			if w.Op == OpDiscard || !w.Overlaps(readW.PosLB, readW.LenLB) {
				continue
			}
			copyOverlap(readW, w)
		}
	}
}

// copyOverlap copies the bytes of src covering dst's range into dst's
// buffer (both expressed in 512-byte logical blocks).
func copyOverlap(dst, src *BioWrapper) {
	const lbs = 512
	lo := maxU64(dst.PosLB, src.PosLB)
	hi := minU64(dst.End(), src.End())
	if lo >= hi {
		return
	}
	dstOff := (lo - dst.PosLB) * lbs
	srcOff := (lo - src.PosLB) * lbs
	n := (hi - lo) * lbs
	copy(dst.Data[dstOff:dstOff+n], src.Data[srcOff:srcOff+n])
}

func safeSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// Len returns the number of entries currently tracked.
func (p *PendingIndex) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.m.Len()
}

// PendingSectors returns the current backpressure accounting total.
func (p *PendingIndex) PendingSectors() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingSectors
}

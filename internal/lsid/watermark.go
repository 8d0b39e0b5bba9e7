// Package lsid maintains the monotonic log-sequence-id watermark set that
// anchors every durability decision in the pipeline: latest, flush,
// completed, permanent, written, prev_written and oldest, all advanced
// under one lock exactly as spec section 3 requires.
package lsid

import (
	"sync"

	"github.com/pkg/errors"
)

// Lsid is a position in the log stream, expressed in physical blocks.
type Lsid = uint64

// Snapshot is an immutable copy of the watermark set at one instant.
type Snapshot struct {
	Latest      Lsid
	Flush       Lsid
	Completed   Lsid
	Permanent   Lsid
	Written     Lsid
	PrevWritten Lsid
	Oldest      Lsid
}

// Set holds the seven watermarks behind a single mutex. Every mutation
// goes through a method here so the monotonicity invariant
// (oldest <= written <= permanent <= completed <= latest) can never be
// observed broken from another goroutine.
type Set struct {
	mu sync.Mutex

	latest    Lsid
	flush     Lsid
	completed Lsid
	permanent Lsid
	written   Lsid
	prevWrit  Lsid
	oldest    Lsid

	ringBufferPB uint64

	notifyMu sync.Mutex
	notifyCh chan struct{} // closed and replaced on every 0 -> positive edge of permanent - oldest
}

// New creates a watermark set for a freshly formatted device: every
// counter starts at the given initial lsid (normally 0) and the ring
// buffer holds ringBufferPB physical blocks of payload.
func New(initial Lsid, ringBufferPB uint64) *Set {
	return &Set{
		latest:       initial,
		flush:        initial,
		completed:    initial,
		permanent:    initial,
		written:      initial,
		prevWrit:     initial,
		oldest:       initial,
		ringBufferPB: ringBufferPB,
		notifyCh:     make(chan struct{}),
	}
}

func (s *Set) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Set) snapshotLocked() Snapshot {
	return Snapshot{
		Latest:      s.latest,
		Flush:       s.flush,
		Completed:   s.completed,
		Permanent:   s.permanent,
		Written:     s.written,
		PrevWritten: s.prevWrit,
		Oldest:      s.oldest,
	}
}

// AdvanceLatest bumps `latest` to at least newLatest, called by the pack
// builder on every pack finalization. Returns an error if newLatest would
// move the watermark backwards — a monotonicity violation.
func (s *Set) AdvanceLatest(newLatest Lsid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if newLatest < s.latest {
		return errors.Errorf("lsid: latest would go backwards: %d -> %d", s.latest, newLatest)
	}
	s.latest = newLatest
	return nil
}

// RequestFlush advances the `flush` watermark; called when a pack is
// flagged as carrying a flush-header.
func (s *Set) RequestFlush(upTo Lsid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upTo > s.latest {
		return errors.Errorf("lsid: flush %d exceeds latest %d", upTo, s.latest)
	}
	if upTo > s.flush {
		s.flush = upTo
	}
	return nil
}

// AdvanceCompleted records that log header+payload writes up to upTo have
// completed on LDEV.
func (s *Set) AdvanceCompleted(upTo Lsid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upTo > s.latest {
		return errors.Errorf("lsid: completed %d exceeds latest %d", upTo, s.latest)
	}
	if upTo > s.completed {
		s.completed = upTo
	}
	return nil
}

// AdvancePermanent records that a flush covering upTo has been
// acknowledged by LDEV; this is the gate data submission waits on.
func (s *Set) AdvancePermanent(upTo Lsid) error {
	s.mu.Lock()
	if upTo > s.completed {
		s.mu.Unlock()
		return errors.Errorf("lsid: permanent %d exceeds completed %d", upTo, s.completed)
	}
	oldOldest := s.oldest
	oldPermanent := s.permanent
	if upTo > s.permanent {
		s.permanent = upTo
	}
	newPermanent := s.permanent
	s.mu.Unlock()
	if oldPermanent-oldOldest == 0 && newPermanent-oldOldest > 0 {
		s.fireNotify()
	}
	return nil
}

// AdvanceWritten records DDEV completion up to upTo, the final stage of a
// write's lifecycle.
func (s *Set) AdvanceWritten(upTo Lsid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upTo > s.permanent {
		return errors.Errorf("lsid: written %d exceeds permanent %d", upTo, s.permanent)
	}
	if upTo > s.written {
		s.written = upTo
	}
	return nil
}

// Checkpoint snapshots `written` into `prev_written`, used by the
// checkpoint worker to detect how much of the ring was retired since the
// last checkpoint.
func (s *Set) Checkpoint() (written, prevWritten Lsid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.prevWrit
	s.prevWrit = s.written
	return s.written, prev
}

// SetOldest advances `oldest`, called by set_oldest_lsid after an external
// wlog extractor has durably archived the range being retired.
func (s *Set) SetOldest(newOldest Lsid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if newOldest < s.oldest {
		return errors.Errorf("lsid: oldest would go backwards: %d -> %d", s.oldest, newOldest)
	}
	if newOldest > s.written {
		return errors.Errorf("lsid: oldest %d exceeds written %d", newOldest, s.written)
	}
	s.oldest = newOldest
	return nil
}

// LogUsage returns latest - oldest, the number of physical blocks
// currently occupied in the ring.
func (s *Set) LogUsage() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest - s.oldest
}

// LogCapacity returns the configured ring buffer size in physical blocks.
func (s *Set) LogCapacity() uint64 {
	return s.ringBufferPB
}

// IsOverflow reports whether latest - oldest has exceeded the ring
// buffer's capacity.
func (s *Set) IsOverflow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest-s.oldest > s.ringBufferPB
}

// WouldOverflow reports whether assigning `additional` more physical
// blocks to `latest` would push usage past capacity, without mutating
// state. Used by the pack builder's overflow-prevention check.
func (s *Set) WouldOverflow(additional uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (s.latest+additional)-s.oldest > s.ringBufferPB
}

// fireNotify wakes any goroutine waiting on a channel obtained from
// NotifyChannel by closing and replacing the notify channel.
func (s *Set) fireNotify() {
	s.notifyMu.Lock()
	close(s.notifyCh)
	s.notifyCh = make(chan struct{})
	s.notifyMu.Unlock()
}

// NotifyChannel returns a channel that is closed exactly once per edge
// transition of (permanent - oldest) from 0 to a positive value, the
// contract the sysfs `lsids` attribute exposes to pollers (spec section 6).
// Callers must re-fetch the channel after every wakeup — the existing
// contract of a channel that is closed once and replaced.
func (s *Set) NotifyChannel() <-chan struct{} {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	return s.notifyCh
}

package core

import (
	"sync"

	"github.com/walb-project/walb/internal/logpack"
)

// Pack is a bounded in-memory assemblage of bio wrappers that will share
// one logpack header (spec section 3, Pack).
type Pack struct {
	PBS          int
	LogpackLsid  uint64
	MaxRecords   int
	MaxTotalIoPB uint64 // 0 = unlimited (max_logpack_kb == 0)

	Header      logpack.Header
	BiowList    []*BioWrapper
	TotalIoSize uint64 // physical blocks of payload, mirrors Header.TotalIoSize
	runningLB   uint64 // raw logical blocks of real payload committed so far, unrounded

	IsZeroFlushOnly  bool
	IsFlushContained bool
	IsFlushHeader    bool
	IsLogpackFailed  bool

	mu        sync.Mutex
	remaining int // non-flush wrappers still awaiting DDEV completion
}

// NewPack opens a new pack at the given logpack lsid.
func NewPack(lsid uint64, pbs int, maxRecords int, maxLogpackPB uint64) *Pack {
	p := &Pack{
		PBS:          pbs,
		LogpackLsid:  lsid,
		MaxRecords:   maxRecords,
		MaxTotalIoPB: maxLogpackPB,
	}
	p.Header.LogpackLsid = lsid
	return p
}

// lbPerPB is how many logical blocks fit in one physical block, assuming
// LBS=512 (the only logical block size walb supports); pbs is always a
// multiple of 512.
func (p *Pack) lbPerPB() uint64 { return uint64(p.PBS) / 512 }

// pbFor rounds lenLB up to whole physical blocks.
func (p *Pack) pbFor(lenLB uint64) uint64 {
	per := p.lbPerPB()
	return (lenLB + per - 1) / per
}

// CanAppend reports whether w can be added to the pack without sealing it
// first, implementing the four sealing triggers of spec section 4.1.
func (p *Pack) CanAppend(w *BioWrapper) bool {
	if p.IsZeroFlushOnly {
		return false // trigger 1: zero-flush-only packs never grow
	}
	if len(p.BiowList) > 0 && (w.IsFUA || w.Op == OpFlush) {
		return false // trigger 2: a flush-carrying write must start its own pack
	}
	if w.Op != OpFlush {
		pbNeeded := p.pbFor(w.LenLB)
		if p.needsPadding() {
			pbNeeded++
		}
		if p.MaxTotalIoPB > 0 && p.TotalIoSize+pbNeeded > p.MaxTotalIoPB {
			return false // trigger 3: max_logpack_pb exceeded
		}
		recordsNeeded := 1
		if p.needsPadding() {
			recordsNeeded++
		}
		if len(p.Header.Records)+recordsNeeded > p.MaxRecords {
			return false // trigger 4: header record capacity exceeded
		}
	}
	return true
}

// needsPadding reports whether the next real (non-discard, non-flush)
// record requires a leading PADDING record: its payload must start at a
// physical-block boundary within the pack's payload stream, and a prior
// record whose logical length wasn't itself a multiple of the physical
// block size left that boundary unaligned.
func (p *Pack) needsPadding() bool {
	return p.runningLB%p.lbPerPB() != 0
}

// Append adds w to the pack, assigning its lsid and inserting the
// corresponding logpack record (plus a PADDING record first if needed to
// reach physical-block alignment). The caller must have already confirmed
// CanAppend(w).
func (p *Pack) Append(w *BioWrapper) {
	lsidLocal := uint16(p.TotalIoSize) + 1 // the header block occupies lsid_local 0

	w.pack = p

	if w.Op == OpFlush {
		// Zero-length flush: permitted only as the pack's first entry,
		// produces no record (spec section 4.1).
		p.BiowList = append(p.BiowList, w)
		p.IsFlushContained = true
		if w.IsFUA {
			p.IsFlushHeader = true
		}
		return
	}

	if w.Op != OpDiscard && p.needsPadding() {
		per := p.lbPerPB()
		padLen := per - (p.runningLB % per)
		pad := logpack.Record{
			Flags:     logpack.RecordPadding,
			OffsetLB:  0,
			IoSizeLB:  uint32(padLen),
			Lsid:      p.LogpackLsid + uint64(lsidLocal),
			LsidLocal: lsidLocal,
		}
		p.Header.Records = append(p.Header.Records, pad)
		p.Header.NPadding++
		p.TotalIoSize += p.pbFor(padLen)
		p.runningLB += padLen
		lsidLocal = uint16(p.TotalIoSize) + 1
	}

	flags := logpack.RecordExist
	if w.Op == OpDiscard {
		flags = logpack.RecordDiscard
	}
	rec := logpack.Record{
		Flags:     flags,
		OffsetLB:  w.PosLB,
		IoSizeLB:  uint32(w.LenLB),
		Lsid:      p.LogpackLsid + uint64(lsidLocal),
		LsidLocal: lsidLocal,
		Checksum:  w.Checksum,
	}
	p.Header.Records = append(p.Header.Records, rec)
	p.Header.NRecords++
	w.Lsid = rec.Lsid

	if w.Op != OpDiscard {
		p.TotalIoSize += p.pbFor(w.LenLB)
		p.runningLB += w.LenLB
	}

	p.BiowList = append(p.BiowList, w)
	if w.IsFUA {
		p.IsFlushContained = true
		p.IsFlushHeader = true
	}
}

// Seal finalizes the pack once no more writes will be appended: it fixes
// up Header.TotalIoSize and sets IsZeroFlushOnly when the pack closed
// without a single record.
func (p *Pack) Seal() {
	p.Header.TotalIoSize = uint32(p.TotalIoSize)
	if p.Header.NRecords == 0 {
		p.IsZeroFlushOnly = true
	}
}

// initRemaining sets the GC stage's countdown of data-device completions
// this pack is still waiting on, called once when the pack is released
// from the permanence gate.
func (p *Pack) initRemaining() {
	n := 0
	for _, w := range p.BiowList {
		if w.Op != OpFlush {
			n++
		}
	}
	p.mu.Lock()
	p.remaining = n
	p.mu.Unlock()
}

// decRemaining records one more of the pack's data writes completing, and
// reports whether that was the last one outstanding.
func (p *Pack) decRemaining() (allDone bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remaining--
	return p.remaining == 0
}

// EndLsid returns the lsid one past the last lsid this pack occupies,
// i.e. the next pack's LogpackLsid (one header block plus TotalIoSize
// payload blocks).
func (p *Pack) EndLsid() uint64 {
	if p.IsZeroFlushOnly {
		return p.LogpackLsid
	}
	return p.LogpackLsid + 1 + p.TotalIoSize
}

// Validate checks the structural invariants a pack must satisfy before it
// leaves the builder (spec section 4.1, is_prepared_pack_valid).
func (p *Pack) Validate() error {
	if !p.IsZeroFlushOnly {
		if int(p.Header.NRecords)+int(p.Header.NPadding) != len(p.Header.Records) {
			return errPackInvalid("record count mismatch")
		}
		if len(p.Header.Records) > p.MaxRecords {
			return errPackInvalid("record capacity exceeded")
		}
	}
	return nil
}

func errPackInvalid(why string) error {
	return &packInvalidError{why: why}
}

type packInvalidError struct{ why string }

func (e *packInvalidError) Error() string { return "core: invalid pack: " + e.why }

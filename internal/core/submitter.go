package core

import (
	"time"

	"github.com/mendersoftware/log"
	"github.com/walb-project/walb/internal/logpack"
)

// BlockDevice is the subset of blockdev.Device the pipeline needs; kept as
// an interface so tests can substitute an in-memory fake.
type BlockDevice interface {
	ReadAt(buf []byte, posLB uint64) error
	WriteAt(buf []byte, posLB uint64) error
	Flush() error
	SizeLB() uint64
}

// logSubmitLoop is the log submitter stage (spec section 4.2): for a
// user-space reimplementation there is no separate async bio-completion
// callback, so "submit" and "wait for completion" happen inline inside one
// blocking call per pack. Once a pack's bytes are durable on LDEV it is
// handed to the permanence gate (permanence.go), which decides when its
// wrappers may be released to the data-submit stage.
func (d *Device) logSubmitLoop() {
	for {
		packs, ok := d.logWaitQ.PopBatch(d.Config.NPackBulk)
		if !ok {
			return
		}
		for _, p := range packs {
			d.submitOnePack(p)
		}
	}
}

func (d *Device) submitOnePack(p *Pack) {
	if err := retryIO(func() error { return d.writePackToLdev(p) }); err != nil {
		log.Errorf("core: ldev write failed for pack %d: %v", p.LogpackLsid, err)
		d.enterFailure(err)
		d.failPack(p, err)
		return
	}

	if err := d.Watermarks.AdvanceCompleted(p.EndLsid()); err != nil {
		log.Errorf("core: %v", err)
	}

	if p.IsFlushHeader {
		if err := retryIO(d.Ldev.Flush); err != nil {
			log.Errorf("core: ldev flush failed for pack %d: %v", p.LogpackLsid, err)
			d.enterFailure(err)
			d.failPack(p, err)
			return
		}
		if err := d.Watermarks.AdvancePermanent(p.EndLsid()); err != nil {
			log.Errorf("core: %v", err)
		}
		d.releasePack(p)
		return
	}

	d.permWaitQ.Push(p)
}

// writePackToLdev writes the pack's header sector (if any) and payload to
// the log device's ring-buffer area. A zero-flush-only pack writes nothing;
// it existed purely to carry a bare REQ_PREFLUSH through the pipeline.
func (d *Device) writePackToLdev(p *Pack) error {
	if p.IsZeroFlushOnly {
		return nil
	}
	if err := p.Validate(); err != nil {
		return err
	}

	hdrBuf, err := logpack.Encode(&p.Header, p.PBS, d.Config.ChecksumSalt)
	if err != nil {
		return err
	}
	if err := d.writeRing(hdrBuf, p.LogpackLsid); err != nil {
		return err
	}

	for _, w := range p.BiowList {
		if w.Op == OpFlush || w.Op == OpDiscard {
			continue
		}
		if err := d.writeRing(w.Data, w.Lsid); err != nil {
			return err
		}
	}
	return nil
}

// writeRing writes buf to the ring buffer at the physical block identified
// by pbLsid (a count of physical blocks since the device's epoch, exactly
// what Record.Lsid and Pack.LogpackLsid already track), wrapping modulo
// the ring's physical-block capacity and converting to the logical-block
// addressing blockdev.Device uses (spec section 2, ring_buffer_off). When
// buf's physical-block range straddles the end of the ring, it is split
// into two writes: the tail of the ring, then the wrapped remainder
// starting back at offset 0 (spec.md section 8's wrap boundary behavior).
func (d *Device) writeRing(buf []byte, pbLsid uint64) error {
	perLB := uint64(d.Config.PBS) / 512
	pbs := uint64(d.Config.PBS)
	offPB := pbLsid % d.Config.RingBufferPB
	nBlocks := uint64(len(buf)) / pbs
	blocksBeforeWrap := d.Config.RingBufferPB - offPB

	firstOffLB := d.Config.RingBufferOffLB + offPB*perLB
	if nBlocks <= blocksBeforeWrap {
		return d.Ldev.WriteAt(buf, firstOffLB)
	}

	splitBytes := blocksBeforeWrap * pbs
	if err := d.Ldev.WriteAt(buf[:splitBytes], firstOffLB); err != nil {
		return err
	}
	return d.Ldev.WriteAt(buf[splitBytes:], d.Config.RingBufferOffLB)
}

// releasePack hands every non-flush wrapper in p to the overlap/permanence
// AND-gate, and completes bare-flush wrappers immediately since they carry
// no data-device component.
func (d *Device) releasePack(p *Pack) {
	p.initRemaining()
	for _, w := range p.BiowList {
		if w.Op == OpFlush {
			w.Complete(nil)
			continue
		}
		if w.markLogDurable() {
			d.dataReadyQ.Push(w)
		}
	}
}

// lastFlushTime/setLastFlushTime back the period trigger in the pack
// builder's decideFlushHeader.
func (d *Device) lastFlushTime() time.Time {
	d.flushTimeMu.Lock()
	defer d.flushTimeMu.Unlock()
	return d.flushTime
}

func (d *Device) setLastFlushTime(t time.Time) {
	d.flushTimeMu.Lock()
	d.flushTime = t
	d.flushTimeMu.Unlock()
}

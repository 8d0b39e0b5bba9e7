package core

import (
	"time"

	"github.com/mendersoftware/log"
	"github.com/walb-project/walb/internal/logpack"
)

// buildLoop is the pack-builder stage (spec section 4.1): it dequeues a
// bounded batch from the submit queue, groups writes into packs, seals
// packs on any of the four sealing triggers, decides flush-header status,
// advances the latest/flush watermarks, and hands sealed packs to the log
// submitter.
func (d *Device) buildLoop() {
	for {
		batch, ok := d.submitQ.PopBatch(d.Config.NIoBulk)
		if !ok {
			return
		}
		d.buildBatch(batch)
	}
}

func (d *Device) buildBatch(batch []*BioWrapper) {
	var cur *Pack
	seal := func() {
		if cur == nil {
			return
		}
		cur.Seal()
		d.decideFlushHeader(cur)
		if err := d.advanceWatermarksForPack(cur); err != nil {
			log.Errorf("core: pack %d rejected: %v", cur.LogpackLsid, err)
			cur.IsLogpackFailed = true
			d.failPack(cur, err)
			cur = nil
			return
		}
		d.logWaitQ.Push(cur)
		cur = nil
	}

	for _, w := range batch {
		if d.Pending.WouldExceed(w.LenLB) {
			d.Pending.WaitForRoom()
		}

		for {
			if cur == nil {
				lsid := d.Watermarks.Snapshot().Latest
				maxRec := logpack.MaxRecordsPerHeader(d.Config.PBS)
				cur = NewPack(lsid, d.Config.PBS, maxRec, d.Config.MaxLogpackPB)
			}
			if cur.CanAppend(w) {
				cur.Append(w)
				break
			}
			seal()
		}
	}
	seal()
}

// decideFlushHeader applies the two OR'd triggers of spec section 4.1:
// size (latest - flush > log_flush_interval_pb) and period (now past
// log_flush_jiffies).
func (d *Device) decideFlushHeader(p *Pack) {
	if p.IsFlushHeader {
		return // a write already carried FUA and forced this
	}
	snap := d.Watermarks.Snapshot()
	sizeTrigger := d.Config.LogFlushIntervalPB > 0 && (p.EndLsid()-snap.Flush) > d.Config.LogFlushIntervalPB
	periodTrigger := d.Config.LogFlushInterval > 0 && time.Since(d.lastFlushTime()) >= d.Config.LogFlushInterval
	if sizeTrigger || periodTrigger {
		p.IsFlushHeader = true
	}
}

// advanceWatermarksForPack advances `latest` (and `flush` if this pack
// carries a flush-header) and enforces ring-buffer overflow prevention
// before the pack is allowed to leave the builder.
func (d *Device) advanceWatermarksForPack(p *Pack) error {
	additional := p.EndLsid() - p.LogpackLsid
	if d.Watermarks.WouldOverflow(additional) {
		d.onOverflow()
		if d.Config.IsErrorBeforeOverflow {
			return errRingOverflow
		}
	}
	if err := d.Watermarks.AdvanceLatest(p.EndLsid()); err != nil {
		return err
	}
	if p.IsFlushHeader {
		if err := d.Watermarks.RequestFlush(p.EndLsid()); err != nil {
			return err
		}
		d.setLastFlushTime(time.Now())
	}
	return nil
}

// failPack completes every wrapper in a rejected pack with err (the
// overflow error from the builder, or an LDEV error from the log
// submitter) so callers backpressured on Submit see an I/O failure instead
// of hanging forever.
func (d *Device) failPack(p *Pack, err error) {
	for _, w := range p.BiowList {
		w.Complete(err)
	}
}

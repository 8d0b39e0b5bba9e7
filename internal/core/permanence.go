package core

import (
	"time"

	"github.com/mendersoftware/log"
)

// permanenceLoop is the permanence gate (spec section 4.3): it holds back
// a pack's wrappers from the data-submit stage until the `permanent`
// watermark covers the pack's lsid range. When log_flush_interval_jiffies
// is configured as zero the gate is a no-op — every completed write is
// immediately treated as permanent, matching a device with no periodic
// background flush policy.
func (d *Device) permanenceLoop() {
	for {
		packs, ok := d.permWaitQ.PopBatch(1)
		if !ok {
			return
		}
		for _, p := range packs {
			d.awaitPermanent(p)
		}
	}
}

func (d *Device) awaitPermanent(p *Pack) {
	if d.Config.LogFlushInterval <= 0 {
		if err := d.Watermarks.AdvancePermanent(p.EndLsid()); err != nil {
			log.Errorf("core: %v", err)
		}
		d.releasePack(p)
		return
	}

	const pollInterval = time.Millisecond
	deadline := d.lastForcedFlushTime().Add(d.Config.LogFlushInterval)
	for {
		if d.Watermarks.Snapshot().Permanent >= p.EndLsid() {
			break
		}
		if time.Now().After(deadline) {
			d.forceFlush()
			deadline = time.Now().Add(d.Config.LogFlushInterval)
			continue
		}
		time.Sleep(pollInterval)
	}
	d.releasePack(p)
}

// forceFlush flushes LDEV and advances `permanent` up to the current
// `completed` watermark, the action the size and period triggers both
// fall back to when no write has carried its own flush-header.
func (d *Device) forceFlush() {
	if err := d.Ldev.Flush(); err != nil {
		log.Errorf("core: forced ldev flush failed: %v", err)
		d.enterFailure(err)
		return
	}
	snap := d.Watermarks.Snapshot()
	if err := d.Watermarks.AdvancePermanent(snap.Completed); err != nil {
		log.Errorf("core: %v", err)
	}
	d.setLastForcedFlushTime(time.Now())
}

func (d *Device) lastForcedFlushTime() time.Time {
	d.flushTimeMu.Lock()
	defer d.flushTimeMu.Unlock()
	return d.forcedFlushTime
}

func (d *Device) setLastForcedFlushTime(t time.Time) {
	d.flushTimeMu.Lock()
	d.forcedFlushTime = t
	d.flushTimeMu.Unlock()
}

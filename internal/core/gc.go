package core

import "github.com/mendersoftware/log"

// gcLoop is the completion/GC stage (spec section 4.7): for every
// data-device completion it retires the write's pending-index entry,
// completes the caller-visible wrapper, and once every wrapper in a pack
// has retired, advances the `written` watermark past that pack.
func (d *Device) gcLoop() {
	for {
		items, ok := d.gcQ.PopBatch(d.Config.NPackBulk)
		if !ok {
			return
		}
		for _, it := range items {
			d.gcOne(it)
		}
	}
}

func (d *Device) gcOne(it gcItem) {
	w := it.w
	d.Pending.Delete(w)
	w.Complete(it.err)

	p := w.pack
	if p == nil || !p.decRemaining() {
		return
	}
	if err := d.Watermarks.AdvanceWritten(p.EndLsid()); err != nil {
		log.Errorf("core: %v", err)
	}
}

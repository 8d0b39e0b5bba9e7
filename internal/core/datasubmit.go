package core

import (
	"sort"

	"github.com/mendersoftware/log"
)

// dataSubmitLoop is the data submitter stage (spec section 4.6): it
// dequeues writes that have cleared both the overlap gate and the
// permanence gate, optionally reorders a batch by pos_lb to favor
// sequential I/O, and issues each one to DDEV.
func (d *Device) dataSubmitLoop() {
	for {
		batch, ok := d.dataReadyQ.PopBatch(d.Config.NIoBulk)
		if !ok {
			return
		}
		if d.Config.IsSortDataIO {
			sort.Slice(batch, func(i, j int) bool { return batch[i].PosLB < batch[j].PosLB })
		}
		for _, w := range batch {
			d.submitOneData(w)
		}
	}
}

func (d *Device) submitOneData(w *BioWrapper) {
	var err error
	switch w.Op {
	case OpDiscard:
		err = retryIO(func() error { return d.discardDdev(w) })
	default:
		err = retryIO(func() error { return d.Ddev.WriteAt(w.Data, w.PosLB) })
	}
	if err != nil {
		log.Errorf("core: ddev write failed at lb %d: %v", w.PosLB, err)
		d.enterFailure(err)
	}

	ready := d.Overlap.Complete(w)
	for _, succ := range ready {
		d.dataReadyQ.Push(succ)
	}

	d.gcQ.Push(gcItem{w: w, err: err})
}

// discardDdev applies a discard according to the is_discard_to_ddev
// configuration knob (spec section 6): when DiscardToDdev is false the DDEV
// call is elided entirely and the request is treated as a successful no-op
// (on a file-backed DDEV there is no space to reclaim); when it is true the
// discarded range is zero-filled on DDEV.
func (d *Device) discardDdev(w *BioWrapper) error {
	if !d.Config.DiscardToDdev {
		return nil
	}
	zero := make([]byte, w.LenLB*512)
	return d.Ddev.WriteAt(zero, w.PosLB)
}

// gcItem is one completed data-device operation awaiting the completion
// stage's pending-index and watermark bookkeeping.
type gcItem struct {
	w   *BioWrapper
	err error
}

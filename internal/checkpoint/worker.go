package checkpoint

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mendersoftware/log"
	"github.com/walb-project/walb/internal/lsid"
)

// Device is the subset of core.Device the checkpoint worker needs — kept
// as a narrow interface to avoid an import cycle with internal/core.
type Device interface {
	MinorIDOf() uint32
	WatermarkSet() *lsid.Set
	Freeze()
	Melt()
}

// Worker periodically snapshots written/oldest to the Store, interruptibly
// freezing new admissions only for the instant it takes to read a
// consistent pair of watermarks (spec section 4.9, get/set_checkpoint_interval).
// The interval is adjustable at runtime through GetInterval/SetInterval,
// the control surface's get_checkpoint_interval/set_checkpoint_interval.
type Worker struct {
	Store    *Store
	Device   Device
	Salt     uint32
	interval atomic.Int64 // nanoseconds, 0 disables periodic checkpointing
}

// NewWorker creates a Worker with the given initial checkpoint interval.
func NewWorker(store *Store, device Device, initial time.Duration, salt uint32) *Worker {
	w := &Worker{Store: store, Device: device, Salt: salt}
	w.interval.Store(int64(initial))
	return w
}

// GetInterval returns the currently configured checkpoint interval.
func (w *Worker) GetInterval() time.Duration {
	return time.Duration(w.interval.Load())
}

// SetInterval changes the checkpoint interval; a running Run loop picks up
// the new value on its next wakeup, at most one old interval late.
func (w *Worker) SetInterval(d time.Duration) {
	w.interval.Store(int64(d))
}

// Run blocks, checkpointing on the current interval until ctx is done. A
// zero or negative interval disables periodic checkpointing until
// SetInterval stores a positive one (the loop re-checks once a second).
func (w *Worker) Run(ctx context.Context) {
	for {
		d := w.GetInterval()
		if d <= 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			w.checkpointOnce()
		}
	}
}

func (w *Worker) checkpointOnce() {
	w.Device.Freeze()
	written, _ := w.Device.WatermarkSet().Checkpoint()
	oldest := w.Device.WatermarkSet().Snapshot().Oldest
	w.Device.Melt()

	rec := Record{WrittenLsid: written, OldestLsid: oldest, Salt: w.Salt}
	if err := w.Store.Save(w.Device.MinorIDOf(), rec); err != nil {
		log.Errorf("checkpoint: %v", err)
	}
}

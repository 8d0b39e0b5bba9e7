package core

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/walb-project/walb/internal/blockdev"
	"github.com/walb-project/walb/internal/lsid"
)

// Version is the control surface's get_version string, bumped whenever the
// wire-visible semantics of a control operation change.
const Version = "walb-go 1.0"

// FormatLdev prepares path as a fresh log device of the given geometry:
// sized to hold ring_buffer_off_lb logical blocks of reserved header area
// plus ring_buffer_pb physical blocks of ring, with the first physical
// block of the ring zeroed so a stale logpack header left over from a
// previous format can never be mistaken for a live one. The on-disk
// superblock layout itself is out of this module's scope (spec.md's own
// out-of-scope list); this only has to guarantee the ring starts from a
// state New/CreateWdev can safely treat as empty.
func FormatLdev(path string, pbs int, ringBufferPB, ringBufferOffLB uint64) error {
	perLB := uint64(pbs) / 512
	totalLB := ringBufferOffLB + ringBufferPB*perLB
	dev, err := blockdev.Create(path, totalLB)
	if err != nil {
		return errors.Wrap(err, "core: format_ldev")
	}
	defer dev.Close()

	zero := make([]byte, pbs)
	if err := dev.WriteAt(zero, ringBufferOffLB); err != nil {
		return errors.Wrap(err, "core: format_ldev: zero first header")
	}
	return dev.Flush()
}

// FormatDdev prepares path as a fresh data device of the given size.
func FormatDdev(path string, sizeLB uint64) error {
	dev, err := blockdev.Create(path, sizeLB)
	if err != nil {
		return errors.Wrap(err, "core: format_ddev")
	}
	return dev.Close()
}

// CreateWdev opens an already-formatted LDEV/DDEV pair and constructs a
// Device around them. watermarks is the set to start from — the caller
// is responsible for choosing
// lsid.New(0, cfg.RingBufferPB) for a fresh device or a checkpoint-restored
// set for one recovering from a prior run. The returned Device has not had
// Start called yet.
func CreateWdev(minorID uint32, ldevPath, ddevPath string, cfg Config, watermarks *lsid.Set) (*Device, error) {
	ldev, err := blockdev.Open(ldevPath)
	if err != nil {
		return nil, errors.Wrap(err, "core: create_wdev: ldev")
	}
	ddev, err := blockdev.Open(ddevPath)
	if err != nil {
		ldev.Close()
		return nil, errors.Wrap(err, "core: create_wdev: ddev")
	}
	return New(minorID, ldev, ddev, cfg, watermarks), nil
}

// DeleteWdev stops d (if started) and closes its underlying LDEV/DDEV
// handles. It does not erase their contents — re-running format_ldev is
// what makes a minor id reusable, matching spec.md scenario 5's
// reset_wal-then-reformat recovery sequence.
func DeleteWdev(d *Device) error {
	if d.stages != nil {
		if err := d.Stop(); err != nil {
			return errors.Wrap(err, "core: delete_wdev: stop")
		}
	}
	var firstErr error
	if c, ok := d.Ldev.(closer); ok {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c, ok := d.Ddev.(closer); ok {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type closer interface {
	Close() error
}

type resizer interface {
	Resize(newSizeLB uint64) error
}

// ResizeDdev grows (or shrinks) d's data device, the control surface's
// resize operation. It must only be called while d is frozen or stopped —
// the caller is responsible for that, exactly as with ResetWAL.
func (d *Device) ResizeDdev(newSizeLB uint64) error {
	r, ok := d.Ddev.(resizer)
	if !ok {
		return errors.New("core: resize: ddev does not support resizing")
	}
	return r.Resize(newSizeLB)
}

// ResetWAL discards the log device's current contents by reinitializing
// every watermark to lsid 0 and clearing the sticky failure/overflow
// flags, matching spec.md scenario 5: "reset_wal followed by
// re-formatting allows writes to resume" after an overflow with
// is_error_before_overflow set. The caller must have stopped the pipeline
// (Stop) and must re-run FormatLdev before calling Start again — ResetWAL
// only resets in-memory state, never touches LDEV/DDEV contents.
func (d *Device) ResetWAL() {
	d.Watermarks = lsid.New(0, d.Config.RingBufferPB)
	atomic.StoreUint32(&d.flags, 0)
}

// --- watermark queries/mutation (spec section 6) ---

func (d *Device) GetOldestLsid() uint64    { return d.Watermarks.Snapshot().Oldest }
func (d *Device) GetWrittenLsid() uint64   { return d.Watermarks.Snapshot().Written }
func (d *Device) GetPermanentLsid() uint64 { return d.Watermarks.Snapshot().Permanent }
func (d *Device) GetCompletedLsid() uint64 { return d.Watermarks.Snapshot().Completed }
func (d *Device) GetLogCapacity() uint64   { return d.Watermarks.LogCapacity() }
func (d *Device) GetLogUsage() uint64      { return d.Watermarks.LogUsage() }

// SetOldestLsid advances the oldest-retained lsid, called by an external
// wlog extractor once it has durably archived the range it is retiring
// (spec section 6, set_oldest_lsid).
func (d *Device) SetOldestLsid(newOldest uint64) error {
	return d.Watermarks.SetOldest(newOldest)
}

// IsFlushCapable reports whether this device honors flush-headers at all —
// false only when log_flush_interval_jiffies and log_flush_interval_pb are
// both disabled, meaning every write is treated as immediately permanent
// and the device provides no durability ordering guarantee beyond LDEV's
// own write order.
func (d *Device) IsFlushCapable() bool {
	return d.Config.LogFlushInterval > 0 || d.Config.LogFlushIntervalPB > 0
}

// GetVersion returns the control surface's version string.
func (d *Device) GetVersion() string { return Version }

// Package core implements the WalB I/O pipeline: the pack builder, log
// submitter, permanence gate, pending index, overlap serializer, data
// submitter and completion/GC stage described in spec sections 3-5, wired
// together by the Device state machine.
package core

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mendersoftware/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/walb-project/walb/internal/blockdev"
	"github.com/walb-project/walb/internal/exechook"
	"github.com/walb-project/walb/internal/lsid"
)

// Flag is a bit in the device's public status word (spec section 6,
// is_frozen / is_log_overflow / get_version-adjacent state).
type Flag uint32

const (
	FlagReadOnly Flag = 1 << iota
	FlagFailure
	FlagLogOverflow
)

var errRingOverflow = errors.New("core: ring buffer overflow with is_error_before_overflow set")

// Config holds every per-device tunable named in spec section 6.
type Config struct {
	PBS             int
	RingBufferPB    uint64
	RingBufferOffLB uint64

	MaxLogpackPB          uint64
	NIoBulk               int
	NPackBulk             int
	LogFlushIntervalPB    uint64
	LogFlushInterval      time.Duration
	MaxPendingSectors     uint64
	MinPendingSectors     uint64
	QueueStopTimeout      time.Duration
	IsSortDataIO          bool
	IsErrorBeforeOverflow bool
	DiscardToDdev         bool // is_discard_to_ddev: true zero-fills discarded ranges on DDEV, false elides the DDEV call
	IsSyncSuperblock      bool // internal/checkpoint: fsync the checkpoint file after every write
	ChecksumSalt          uint32

	OverflowHookPath    string
	OverflowHookTimeout time.Duration
	OverflowWarnEvery   time.Duration

	FreezeFSPath string // optional mountpoint frozen/thawed alongside Freeze/Melt
}

// Device is the runtime state machine a walb block device is built around:
// the watermark set, pending/overlap indexes, the five pipeline queues, and
// the flags/freeze-counter pair that gate new admissions (spec section 6).
type Device struct {
	MinorID uint32
	Ldev    BlockDevice
	Ddev    BlockDevice
	Config  Config

	Watermarks *lsid.Set
	Pending    *PendingIndex
	Overlap    *OverlapTable

	submitQ    *queue[*BioWrapper]
	logWaitQ   *queue[*Pack]
	permWaitQ  *queue[*Pack]
	dataReadyQ *queue[*BioWrapper]
	gcQ        *queue[gcItem]

	flags uint32 // atomic bitset of Flag

	stopperMu sync.Mutex
	stopperCh chan struct{}
	nStoppers int

	flushTimeMu     sync.Mutex
	flushTime       time.Time
	forcedFlushTime time.Time

	overflowHook     exechook.Hook
	lastOverflowWarn atomic.Int64 // unix nanos, 0 if never warned

	stages *errgroup.Group
}

// New creates a Device around already-opened LDEV/DDEV handles and an
// initial watermark set (normally lsid.New(0, cfg.RingBufferPB) for a
// freshly formatted device, or restored from a checkpoint otherwise).
func New(minorID uint32, ldev, ddev BlockDevice, cfg Config, watermarks *lsid.Set) *Device {
	now := time.Now()
	d := &Device{
		MinorID:    minorID,
		Ldev:       ldev,
		Ddev:       ddev,
		Config:     cfg,
		Watermarks: watermarks,
		Pending:    NewPendingIndex(cfg.MaxPendingSectors, cfg.MinPendingSectors, cfg.QueueStopTimeout),
		Overlap:    NewOverlapTable(),
		submitQ:    newQueue[*BioWrapper](),
		logWaitQ:   newQueue[*Pack](),
		permWaitQ:  newQueue[*Pack](),
		dataReadyQ: newQueue[*BioWrapper](),
		gcQ:        newQueue[gcItem](),
		flushTime:  now,
		overflowHook: exechook.Hook{
			Path:    cfg.OverflowHookPath,
			Timeout: cfg.OverflowHookTimeout,
		},
	}
	d.forcedFlushTime = now
	return d
}

// Start launches the five pipeline-stage goroutines (builder, log submit,
// permanence, data submit, gc) under an errgroup.Group so a stage that
// exits abnormally surfaces through Stop instead of silently vanishing.
// None of the loop functions return a real error today — each drains its
// queue until Close — but the group gives Stop a single Wait() that would
// also propagate a future stage that does need to report failure.
func (d *Device) Start() {
	var g errgroup.Group
	d.stages = &g
	g.Go(func() error { d.buildLoop(); return nil })
	g.Go(func() error { d.logSubmitLoop(); return nil })
	g.Go(func() error { d.permanenceLoop(); return nil })
	g.Go(func() error { d.dataSubmitLoop(); return nil })
	g.Go(func() error { d.gcLoop(); return nil })
}

// Stop closes every pipeline queue and waits for the stage goroutines to
// drain and exit.
func (d *Device) Stop() error {
	d.submitQ.Close()
	d.logWaitQ.Close()
	d.permWaitQ.Close()
	d.dataReadyQ.Close()
	d.gcQ.Close()
	return d.stages.Wait()
}

// SubmitWrite admits a write (or discard, or bare flush) into the
// pipeline: it registers the wrapper in the pending index and overlap
// table before handing it to the pack builder, exactly as spec section 3
// requires so a concurrent read can never observe a gap between
// admission and visibility. It blocks until the write is durable on DDEV
// (or failed) — callers wanting async semantics should run it in a
// goroutine.
func (d *Device) SubmitWrite(w *BioWrapper) error {
	if d.HasFlag(FlagReadOnly) {
		return errors.New("core: device is read-only")
	}
	d.waitWhileFrozen()

	if w.Op != OpFlush {
		d.Pending.Insert(w)
		if ready := d.Overlap.Insert(w); ready {
			d.dataReadyQ.Push(w)
		}
	}
	d.submitQ.Push(w)
	return w.Wait()
}

// SubmitRead serves a read directly from DDEV, patched with any bytes
// still only present in the pending index (spec section 4.4).
func (d *Device) SubmitRead(buf []byte, posLB uint64) error {
	if err := d.Ddev.ReadAt(buf, posLB); err != nil {
		return err
	}
	readW := &BioWrapper{Op: OpRead, PosLB: posLB, LenLB: uint64(len(buf)) / 512, Data: buf}
	d.Pending.CheckAndCopy(readW)
	return nil
}

// --- flags ---

func (d *Device) setFlag(f Flag) {
	for {
		old := atomic.LoadUint32(&d.flags)
		next := old | uint32(f)
		if next == old || atomic.CompareAndSwapUint32(&d.flags, old, next) {
			return
		}
	}
}

func (d *Device) HasFlag(f Flag) bool {
	return atomic.LoadUint32(&d.flags)&uint32(f) != 0
}

func (d *Device) enterFailure(err error) {
	d.setFlag(FlagFailure)
	d.setFlag(FlagReadOnly)
	d.overflowHook.Run(d.MinorID, "error")
}

// onOverflow marks the device's log-overflow flag, rate-limits the
// warning and userland notification so a sustained overflow doesn't spawn a hook
// process per pack, and still lets callers proceed when
// is_error_before_overflow is unset (the ring simply advances oldest
// faster than an external archiver can keep up, a data-loss risk the
// operator accepted by leaving the flag off).
func (d *Device) onOverflow() {
	d.setFlag(FlagLogOverflow)
	last := d.lastOverflowWarn.Load()
	now := time.Now().UnixNano()
	every := int64(d.Config.OverflowWarnEvery)
	if every <= 0 {
		every = int64(time.Minute)
	}
	if now-last < every {
		return
	}
	if d.lastOverflowWarn.CompareAndSwap(last, now) {
		log.Warnf("core: minor %d: log ring buffer overflow", d.MinorID)
		d.overflowHook.Run(d.MinorID, "overflow")
	}
}

// IsLogOverflow reports the sticky log-overflow flag.
func (d *Device) IsLogOverflow() bool { return d.HasFlag(FlagLogOverflow) }

// IsReadOnly reports the sticky read-only flag.
func (d *Device) IsReadOnly() bool { return d.HasFlag(FlagReadOnly) }

// --- freeze/melt (spec section 6, n_stoppers) ---

// Freeze increments the stopper count, blocking new admissions to
// SubmitWrite until every Freeze has a matching Melt. Multiple
// independent callers (control surface, checkpoint worker) may freeze at
// once; the device only melts when the last one releases it.
func (d *Device) Freeze() {
	d.stopperMu.Lock()
	d.nStoppers++
	first := d.nStoppers == 1
	if d.stopperCh == nil {
		d.stopperCh = make(chan struct{})
	}
	d.stopperMu.Unlock()

	if first && d.Config.FreezeFSPath != "" {
		if err := blockdev.FreezeFS(d.Config.FreezeFSPath); err != nil {
			log.Errorf("core: %v", err)
		}
	}
}

// Melt decrements the stopper count and wakes any writers blocked in
// SubmitWrite once it reaches zero.
func (d *Device) Melt() {
	d.stopperMu.Lock()
	d.nStoppers--
	if d.nStoppers < 0 {
		d.nStoppers = 0
	}
	last := d.nStoppers == 0
	if last && d.stopperCh != nil {
		close(d.stopperCh)
		d.stopperCh = nil
	}
	d.stopperMu.Unlock()

	if last && d.Config.FreezeFSPath != "" {
		if err := blockdev.ThawFS(d.Config.FreezeFSPath); err != nil {
			log.Errorf("core: %v", err)
		}
	}
}

// MinorIDOf and WatermarkSet let internal/checkpoint's Worker depend on a
// narrow interface instead of importing this package directly.
func (d *Device) MinorIDOf() uint32       { return d.MinorID }
func (d *Device) WatermarkSet() *lsid.Set { return d.Watermarks }

// IsFrozen reports whether any Freeze is currently outstanding.
func (d *Device) IsFrozen() bool {
	d.stopperMu.Lock()
	defer d.stopperMu.Unlock()
	return d.nStoppers > 0
}

func (d *Device) waitWhileFrozen() {
	for {
		d.stopperMu.Lock()
		ch := d.stopperCh
		if d.nStoppers == 0 {
			d.stopperMu.Unlock()
			return
		}
		d.stopperMu.Unlock()
		<-ch
	}
}

package wlog

import (
	"io"

	"github.com/pkg/errors"
	"github.com/walb-project/walb/internal/logpack"
)

// Writer is the subset of blockdev.Device the replayer needs to apply
// payload blocks to a destination data device.
type Writer interface {
	WriteAt(buf []byte, posLB uint64) error
}

// Target bundles the destination device with the replay fidelity knobs a
// device is configured with — the DiscardToDdev setting must match
// between the device that produced a wlog and the one replaying it, or a
// discard record is either silently elided or turned into a real zero-fill
// depending only on the replaying side's own policy.
type Target struct {
	Ddev          Writer
	PBS           int
	ChecksumSalt  uint32
	DiscardToDdev bool
}

// Replay reads a stream previously produced by Extract and applies every
// record's payload to dst, in order, implementing the replay law of spec
// section 8: replaying [oldest, permanent) onto the DDEV state observed at
// written=oldest reproduces the DDEV state observed at written=permanent.
// Replay stops at the first invalid header, mirroring Extract's own
// integrity-failure behavior, and is idempotent — replaying the same
// stream twice against the same starting state yields the same result.
func Replay(r io.Reader, dst Target) error {
	perLB := uint64(dst.PBS) / 512
	hdrBuf := make([]byte, dst.PBS)

	for {
		if _, err := io.ReadFull(r, hdrBuf); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, "wlog: replay: read header")
		}
		hdr, err := logpack.Decode(hdrBuf, dst.PBS, dst.ChecksumSalt)
		if err != nil {
			return errors.Wrap(err, "wlog: replay: invalid header, stopping")
		}

		for _, rec := range hdr.Records {
			if rec.Flags&logpack.RecordPadding != 0 {
				continue
			}
			if rec.Flags&logpack.RecordDiscard != 0 {
				if dst.DiscardToDdev {
					if err := writeZeroes(dst.Ddev, rec.OffsetLB, uint64(rec.IoSizeLB)); err != nil {
						return errors.Wrap(err, "wlog: replay: discard")
					}
				}
				continue
			}

			nPB := (uint64(rec.IoSizeLB) + perLB - 1) / perLB
			buf := make([]byte, nPB*uint64(dst.PBS))
			if _, err := io.ReadFull(r, buf); err != nil {
				return errors.Wrap(err, "wlog: replay: read payload")
			}
			if err := dst.Ddev.WriteAt(buf[:rec.IoSizeLB*uint32(512)], rec.OffsetLB); err != nil {
				return errors.Wrapf(err, "wlog: replay: write at lb %d", rec.OffsetLB)
			}
		}
	}
}

func writeZeroes(w Writer, posLB, lenLB uint64) error {
	zero := make([]byte, lenLB*512)
	return w.WriteAt(zero, posLB)
}

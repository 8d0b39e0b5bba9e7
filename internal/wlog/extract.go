// Package wlog implements the extractor and replayer that turn a walb log
// device's ring buffer into a portable, ordered stream of logpacks (and
// back again) — the mechanism spec.md's scenario 1 calls cat_wldev: a
// file capturing lsids [lsid0, lsid1) that replays byte-identically onto
// a zeroed device of the same size.
package wlog

import (
	"io"

	"github.com/pkg/errors"
	"github.com/walb-project/walb/internal/logpack"
	"github.com/walb-project/walb/internal/utils"
)

// Reader is the subset of blockdev.Device the extractor needs to read
// physical blocks out of a log device's ring buffer.
type Reader interface {
	ReadAt(buf []byte, posLB uint64) error
}

// Source describes the ring buffer geometry needed to map a logpack lsid
// (a physical block count) onto LDEV logical-block offsets.
type Source struct {
	Ldev            Reader
	PBS             int
	RingBufferPB    uint64
	RingBufferOffLB uint64
	ChecksumSalt    uint32
}

func (s Source) perLB() uint64 { return uint64(s.PBS) / 512 }

func (s Source) readBlock(pbLsid uint64) ([]byte, error) {
	offPB := pbLsid % s.RingBufferPB
	offLB := s.RingBufferOffLB + offPB*s.perLB()
	buf := make([]byte, s.PBS)
	if err := s.Ldev.ReadAt(buf, offLB); err != nil {
		return nil, err
	}
	return buf, nil
}

// Extract walks logpacks starting at lsid0 up to (but not including)
// lsid1, writing each header sector followed by its real (non-padding,
// non-discard) payload blocks to w, exactly as a replayer expects to find
// them (spec section 4.11). maxBytes bounds total output; Extract stops
// early with utils.ErrLimitExceeded if the window would exceed it.
//
// Extract stops at the first invalid header, per spec section 8's
// integrity-failure testable property, returning logpack.ErrInvalidHeader
// wrapped with the lsid of the header that failed.
func Extract(w io.Writer, src Source, lsid0, lsid1 uint64, maxBytes uint64) error {
	lw := &utils.LimitedWriter{W: w, N: maxBytes}
	lsid := lsid0
	for lsid < lsid1 {
		hdrBuf, err := src.readBlock(lsid)
		if err != nil {
			return errors.Wrapf(err, "wlog: extract: read header at lsid %d", lsid)
		}
		hdr, err := logpack.Decode(hdrBuf, src.PBS, src.ChecksumSalt)
		if err != nil {
			return errors.Wrapf(err, "wlog: extract: invalid header at lsid %d", lsid)
		}
		if _, err := lw.Write(hdrBuf); err != nil {
			return errors.Wrap(err, "wlog: extract: write header")
		}

		for _, rec := range hdr.Records {
			if rec.Flags&logpack.RecordPadding != 0 || rec.Flags&logpack.RecordDiscard != 0 {
				continue
			}
			perLB := src.perLB()
			nPB := (uint64(rec.IoSizeLB) + perLB - 1) / perLB
			for i := uint64(0); i < nPB; i++ {
				buf, err := src.readBlock(rec.Lsid + i)
				if err != nil {
					return errors.Wrapf(err, "wlog: extract: read payload at lsid %d", rec.Lsid+i)
				}
				if _, err := lw.Write(buf); err != nil {
					return errors.Wrap(err, "wlog: extract: write payload")
				}
			}
		}

		if hdr.NRecords == 0 && hdr.NPadding == 0 {
			lsid++ // a header with no records occupies only its own lsid
			continue
		}
		lsid += 1 + uint64(hdr.TotalIoSize)
	}
	return nil
}

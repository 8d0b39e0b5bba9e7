// Package logpack implements the on-disk logpack header and record format:
// the physical-block-sized record written to the log device ahead of every
// logpack's payload. Integers are stored in the machine's native byte order
// by design (spec Non-goals explicitly excludes cross-architecture
// portability), so every encode/decode path funnels through this package.
package logpack

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// SectorType identifies the kind of sector a physical block holds.
type SectorType uint16

const (
	SectorTypeUnknown SectorType = 0
	SectorTypeLogpack SectorType = 1
)

// RecordFlag marks the semantics of a single logpack record.
type RecordFlag uint8

const (
	RecordExist RecordFlag = 1 << iota
	RecordPadding
	RecordDiscard
)

// ErrInvalidHeader is returned by Decode when a header fails its checksum or
// structural validation; callers (wlog.Extract, wlog.Replay) must stop
// processing at the first occurrence.
var ErrInvalidHeader = errors.New("logpack: invalid header")

// Record is one entry in a logpack header, describing a single write (or
// padding/discard placeholder) that shares the header's logpack_lsid.
type Record struct {
	Flags     RecordFlag
	OffsetLB  uint64
	IoSizeLB  uint32
	Lsid      uint64
	LsidLocal uint16
	Checksum  uint32
}

// recordEncodedSize is the fixed native-endian encoding size of one Record.
const recordEncodedSize = 1 /*flags*/ + 7 /*pad*/ + 8 + 4 + 8 + 2 + 2 /*pad*/ + 4

// HeaderFixedSize is the portion of a logpack header sector that is not
// consumed by the record array (sector-type, lsid, counts, checksum, salt
// echo and alignment padding).
const HeaderFixedSize = 2 + 6 /*pad*/ + 8 + 4 + 2 + 2 + 4 + 4 /*salt echo*/

// Header is the in-memory representation of a logpack header sector.
type Header struct {
	SectorType    SectorType
	LogpackLsid   uint64
	TotalIoSize   uint32 // physical blocks of payload following this header
	NRecords      uint16
	NPadding      uint16
	Checksum      uint32
	Records       []Record
}

// MaxRecordsPerHeader returns how many Record entries fit in one physical
// block of the given size after the fixed header fields.
func MaxRecordsPerHeader(pbs int) int {
	avail := pbs - HeaderFixedSize
	if avail <= 0 {
		return 0
	}
	return avail / recordEncodedSize
}

// nativeEndian is the machine's byte order — walb's on-disk format is
// defined as "whatever the writing host uses", so there is deliberately no
// cross-arch abstraction here.
var nativeEndian = binary.NativeEndian

// checksum32 computes walb's logpack checksum: a 32-bit one's-complement
// running sum over 4-byte words (the same family as the IP/UDP checksum),
// folded with a device-wide salt so headers from two different devices
// never collide even if byte-identical otherwise.
func checksum32(data []byte, salt uint32) uint32 {
	var sum uint32
	n := len(data)
	i := 0
	for ; i+4 <= n; i += 4 {
		sum += nativeEndian.Uint32(data[i : i+4])
	}
	if i < n {
		var last [4]byte
		copy(last[:], data[i:])
		sum += nativeEndian.Uint32(last[:])
	}
	return ^(sum + salt)
}

// Encode serializes h into a single pbs-sized sector, with the checksum
// field computed over the whole sector (checksum field itself zeroed)
// folded with salt.
func Encode(h *Header, pbs int, salt uint32) ([]byte, error) {
	maxRec := MaxRecordsPerHeader(pbs)
	if len(h.Records) > maxRec {
		return nil, errors.Errorf("logpack: %d records exceed header capacity %d for pbs=%d",
			len(h.Records), maxRec, pbs)
	}
	buf := make([]byte, pbs)
	off := 0
	nativeEndian.PutUint16(buf[off:], uint16(SectorTypeLogpack))
	off += 2 + 6
	nativeEndian.PutUint64(buf[off:], h.LogpackLsid)
	off += 8
	nativeEndian.PutUint32(buf[off:], h.TotalIoSize)
	off += 4
	nativeEndian.PutUint16(buf[off:], h.NRecords)
	off += 2
	nativeEndian.PutUint16(buf[off:], h.NPadding)
	off += 2
	// checksum field: left zero for now, filled after the whole sector is built
	checksumOff := off
	off += 4
	nativeEndian.PutUint32(buf[off:], salt)
	off += 4

	for _, r := range h.Records {
		encodeRecord(buf[off:off+recordEncodedSize], &r)
		off += recordEncodedSize
	}

	sum := checksum32(buf, salt)
	nativeEndian.PutUint32(buf[checksumOff:], sum)
	return buf, nil
}

func encodeRecord(b []byte, r *Record) {
	b[0] = byte(r.Flags)
	off := 1 + 7
	nativeEndian.PutUint64(b[off:], r.OffsetLB)
	off += 8
	nativeEndian.PutUint32(b[off:], r.IoSizeLB)
	off += 4
	nativeEndian.PutUint64(b[off:], r.Lsid)
	off += 8
	nativeEndian.PutUint16(b[off:], r.LsidLocal)
	off += 2 + 2
	nativeEndian.PutUint32(b[off:], r.Checksum)
}

func decodeRecord(b []byte) Record {
	var r Record
	r.Flags = RecordFlag(b[0])
	off := 1 + 7
	r.OffsetLB = nativeEndian.Uint64(b[off:])
	off += 8
	r.IoSizeLB = nativeEndian.Uint32(b[off:])
	off += 4
	r.Lsid = nativeEndian.Uint64(b[off:])
	off += 8
	r.LsidLocal = nativeEndian.Uint16(b[off:])
	off += 2 + 2
	r.Checksum = nativeEndian.Uint32(b[off:])
	return r
}

// Decode parses and validates a pbs-sized sector previously produced by
// Encode, bound to the same device salt. Returns ErrInvalidHeader (wrapped
// with the reason) for any structural or checksum mismatch; callers must
// treat this as a stop-replay signal, not a retryable error.
func Decode(buf []byte, pbs int, salt uint32) (*Header, error) {
	if len(buf) != pbs {
		return nil, errors.Wrap(ErrInvalidHeader, "short sector")
	}
	gotSalt := nativeEndian.Uint32(buf[2+6+8+4+2+2+4:])
	if gotSalt != salt {
		return nil, errors.Wrap(ErrInvalidHeader, "salt mismatch")
	}

	checksumOff := 2 + 6 + 8 + 4 + 2 + 2
	wantSum := nativeEndian.Uint32(buf[checksumOff:])
	tmp := make([]byte, len(buf))
	copy(tmp, buf)
	nativeEndian.PutUint32(tmp[checksumOff:], 0)
	gotSum := checksum32(tmp, salt)
	if gotSum != wantSum {
		return nil, errors.Wrap(ErrInvalidHeader, "checksum mismatch")
	}

	h := &Header{}
	off := 0
	h.SectorType = SectorType(nativeEndian.Uint16(buf[off:]))
	off += 2 + 6
	if h.SectorType != SectorTypeLogpack {
		return nil, errors.Wrap(ErrInvalidHeader, "bad sector type")
	}
	h.LogpackLsid = nativeEndian.Uint64(buf[off:])
	off += 8
	h.TotalIoSize = nativeEndian.Uint32(buf[off:])
	off += 4
	h.NRecords = nativeEndian.Uint16(buf[off:])
	off += 2
	h.NPadding = nativeEndian.Uint16(buf[off:])
	off += 2
	h.Checksum = wantSum
	off += 4 + 4 // checksum + salt echo already consumed above

	total := int(h.NRecords) + int(h.NPadding)
	maxRec := MaxRecordsPerHeader(pbs)
	if total > maxRec {
		return nil, errors.Wrap(ErrInvalidHeader, "n_records exceeds capacity")
	}
	h.Records = make([]Record, 0, total)
	for i := 0; i < total; i++ {
		rb := buf[off : off+recordEncodedSize]
		h.Records = append(h.Records, decodeRecord(rb))
		off += recordEncodedSize
	}
	return h, nil
}

package wlog

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/walb-project/walb/internal/logpack"
)

const testPBS = 512 // one logical block per physical block, for simple arithmetic

// fakeRing is an in-memory logical-block-addressed store backing both
// Reader and Writer in these tests.
type fakeRing struct {
	blocks map[uint64][]byte
}

func newFakeRing() *fakeRing { return &fakeRing{blocks: map[uint64][]byte{}} }

func (f *fakeRing) ReadAt(buf []byte, posLB uint64) error {
	n := uint64(len(buf)) / 512
	for i := uint64(0); i < n; i++ {
		b, ok := f.blocks[posLB+i]
		if !ok {
			b = make([]byte, 512)
		}
		copy(buf[i*512:(i+1)*512], b)
	}
	return nil
}

func (f *fakeRing) WriteAt(buf []byte, posLB uint64) error {
	n := uint64(len(buf)) / 512
	for i := uint64(0); i < n; i++ {
		b := make([]byte, 512)
		copy(b, buf[i*512:(i+1)*512])
		f.blocks[posLB+i] = b
	}
	return nil
}

func writeHeaderAndPayload(t *testing.T, ring *fakeRing, ringBufferPB uint64, lsid uint64, hdr *logpack.Header, payload [][]byte) {
	t.Helper()
	buf, err := logpack.Encode(hdr, testPBS, 1)
	assert.NoError(t, err)
	assert.NoError(t, ring.WriteAt(buf, lsid%ringBufferPB))
	for i, p := range payload {
		assert.NoError(t, ring.WriteAt(p, (lsid+1+uint64(i))%ringBufferPB))
	}
}

func TestExtractSingleLogpack(t *testing.T) {
	ring := newFakeRing()
	const ringBufferPB = 100

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	hdr := &logpack.Header{
		LogpackLsid: 0,
		TotalIoSize: 1,
		NRecords:    1,
		Records: []logpack.Record{
			{Flags: logpack.RecordExist, OffsetLB: 5, IoSizeLB: 1, Lsid: 1},
		},
	}
	writeHeaderAndPayload(t, ring, ringBufferPB, 0, hdr, [][]byte{payload})

	src := Source{Ldev: ring, PBS: testPBS, RingBufferPB: ringBufferPB, RingBufferOffLB: 0, ChecksumSalt: 1}

	var out bytes.Buffer
	assert.NoError(t, Extract(&out, src, 0, 2, 1<<20))

	assert.Equal(t, 2*testPBS, out.Len())
	gotHdr, err := logpack.Decode(out.Bytes()[:testPBS], testPBS, 1)
	assert.NoError(t, err)
	assert.Equal(t, hdr.Records, gotHdr.Records)
	assert.Equal(t, payload, out.Bytes()[testPBS:2*testPBS])
}

// TestExtractWrapStraddle verifies readBlock correctly re-applies the ring
// modulus per physical block when a logpack's payload straddles the end
// of the ring buffer.
func TestExtractWrapStraddle(t *testing.T) {
	ring := newFakeRing()
	const ringBufferPB = 4

	payload1 := bytes.Repeat([]byte{0xaa}, 512)
	payload2 := bytes.Repeat([]byte{0xbb}, 512)

	// header at lsid 3 (last slot), 2-block payload at lsid 4,5 which wrap
	// to physical offsets 0 and 1.
	hdr := &logpack.Header{
		LogpackLsid: 3,
		TotalIoSize: 2,
		NRecords:    1,
		Records: []logpack.Record{
			{Flags: logpack.RecordExist, OffsetLB: 0, IoSizeLB: 2, Lsid: 4},
		},
	}
	writeHeaderAndPayload(t, ring, ringBufferPB, 3, hdr, [][]byte{payload1, payload2})

	src := Source{Ldev: ring, PBS: testPBS, RingBufferPB: ringBufferPB, RingBufferOffLB: 0, ChecksumSalt: 1}

	var out bytes.Buffer
	assert.NoError(t, Extract(&out, src, 3, 6, 1<<20))

	assert.Equal(t, 3*testPBS, out.Len())
	assert.Equal(t, payload1, out.Bytes()[testPBS:2*testPBS])
	assert.Equal(t, payload2, out.Bytes()[2*testPBS:3*testPBS])
}

func TestExtractSkipsPaddingAndDiscardPayload(t *testing.T) {
	ring := newFakeRing()
	const ringBufferPB = 100

	hdr := &logpack.Header{
		LogpackLsid: 0,
		TotalIoSize: 0,
		NRecords:    1,
		NPadding:    1,
		Records: []logpack.Record{
			{Flags: logpack.RecordDiscard, OffsetLB: 0, IoSizeLB: 8},
			{Flags: logpack.RecordPadding, IoSizeLB: 8},
		},
	}
	writeHeaderAndPayload(t, ring, ringBufferPB, 0, hdr, nil)

	src := Source{Ldev: ring, PBS: testPBS, RingBufferPB: ringBufferPB, RingBufferOffLB: 0, ChecksumSalt: 1}

	var out bytes.Buffer
	assert.NoError(t, Extract(&out, src, 0, 1, 1<<20))
	assert.Equal(t, testPBS, out.Len(), "discard/padding records carry no payload bytes")
}

package core

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/walb-project/walb/internal/lsid"
)

// fakeBlockDevice is a logical-block-addressed in-memory store satisfying
// BlockDevice, used to inspect exactly which WriteAt calls writeRing issues.
type fakeBlockDevice struct {
	blocks map[uint64][]byte
	writes [][2]uint64 // (posLB, nBlocks) per WriteAt call, for call-count assertions
}

func newFakeBlockDevice() *fakeBlockDevice {
	return &fakeBlockDevice{blocks: map[uint64][]byte{}}
}

func (f *fakeBlockDevice) ReadAt(buf []byte, posLB uint64) error {
	n := uint64(len(buf)) / 512
	for i := uint64(0); i < n; i++ {
		if b, ok := f.blocks[posLB+i]; ok {
			copy(buf[i*512:(i+1)*512], b)
		}
	}
	return nil
}

func (f *fakeBlockDevice) WriteAt(buf []byte, posLB uint64) error {
	n := uint64(len(buf)) / 512
	f.writes = append(f.writes, [2]uint64{posLB, n})
	for i := uint64(0); i < n; i++ {
		b := make([]byte, 512)
		copy(b, buf[i*512:(i+1)*512])
		f.blocks[posLB+i] = b
	}
	return nil
}

func (f *fakeBlockDevice) Flush() error      { return nil }
func (f *fakeBlockDevice) SizeLB() uint64    { return 1 << 20 }

func newTestDevice(ldev, ddev BlockDevice, pbs int, ringBufferPB, ringBufferOffLB uint64) *Device {
	cfg := Config{
		PBS:             pbs,
		RingBufferPB:    ringBufferPB,
		RingBufferOffLB: ringBufferOffLB,
	}
	return New(1, ldev, ddev, cfg, lsid.New(0, ringBufferPB))
}

func TestWriteRingNoWrapIsSingleWrite(t *testing.T) {
	ldev := newFakeBlockDevice()
	d := newTestDevice(ldev, newFakeBlockDevice(), 512, 10, 0)

	buf := bytes.Repeat([]byte{0x55}, 3*512)
	assert.NoError(t, d.writeRing(buf, 2))

	assert.Len(t, ldev.writes, 1)
	assert.Equal(t, uint64(2), ldev.writes[0][0])
	assert.Equal(t, uint64(3), ldev.writes[0][1])
}

// TestWriteRingStraddlingWrapSplitsIntoTwoWrites is the regression test for
// the bug where writeRing computed offPB once and handed the whole
// multi-block buffer to a single WriteAt, overrunning the ring when the
// write straddled the wrap point.
func TestWriteRingStraddlingWrapSplitsIntoTwoWrites(t *testing.T) {
	ldev := newFakeBlockDevice()
	const ringBufferPB = 5
	const ringBufferOffLB = 1
	d := newTestDevice(ldev, newFakeBlockDevice(), 512, ringBufferPB, ringBufferOffLB)

	tail := bytes.Repeat([]byte{0xAA}, 512)
	head := bytes.Repeat([]byte{0xBB}, 512)
	buf := append(append([]byte{}, tail...), head...)

	// pbLsid=4 with ringBufferPB=5 leaves only 1 block before the wrap;
	// a 2-block write must split into [offset 4][offset 0].
	assert.NoError(t, d.writeRing(buf, 4))

	assert.Len(t, ldev.writes, 2)
	assert.Equal(t, uint64(ringBufferOffLB+4), ldev.writes[0][0])
	assert.Equal(t, uint64(1), ldev.writes[0][1])
	assert.Equal(t, uint64(ringBufferOffLB), ldev.writes[1][0])
	assert.Equal(t, uint64(1), ldev.writes[1][1])

	// Read back across the wrap and confirm both halves landed intact.
	got := make([]byte, 512)
	assert.NoError(t, ldev.ReadAt(got, ringBufferOffLB+4))
	assert.Equal(t, tail, got)
	assert.NoError(t, ldev.ReadAt(got, ringBufferOffLB))
	assert.Equal(t, head, got)
}

func TestWriteRingExactlyAtWrapBoundaryIsSingleWrite(t *testing.T) {
	ldev := newFakeBlockDevice()
	const ringBufferPB = 4
	d := newTestDevice(ldev, newFakeBlockDevice(), 512, ringBufferPB, 0)

	buf := bytes.Repeat([]byte{0x11}, 2*512)
	// pbLsid=2 leaves exactly 2 blocks before the wrap — must not split.
	assert.NoError(t, d.writeRing(buf, 2))

	assert.Len(t, ldev.writes, 1)
	assert.Equal(t, uint64(2), ldev.writes[0][0])
	assert.Equal(t, uint64(2), ldev.writes[0][1])
}

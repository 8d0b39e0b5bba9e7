package logpack

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const testPBS = 4096

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := &Header{
		LogpackLsid: 42,
		TotalIoSize: 3,
		NRecords:    2,
		Records: []Record{
			{Flags: RecordExist, OffsetLB: 10, IoSizeLB: 8, Lsid: 43, Checksum: 0x1234},
			{Flags: RecordExist, OffsetLB: 20, IoSizeLB: 8, Lsid: 44, Checksum: 0x5678},
		},
	}

	buf, err := Encode(h, testPBS, 0xdeadbeef)
	assert.NoError(t, err)
	assert.Len(t, buf, testPBS)

	got, err := Decode(buf, testPBS, 0xdeadbeef)
	assert.NoError(t, err)
	assert.Equal(t, h.LogpackLsid, got.LogpackLsid)
	assert.Equal(t, h.TotalIoSize, got.TotalIoSize)
	assert.Equal(t, h.NRecords, got.NRecords)
	assert.Equal(t, h.Records, got.Records)
}

// TestDecodeIncludesPaddingRecords guards against the earlier bug where
// Decode only read NRecords entries and silently dropped the NPadding
// entries Encode also wrote into the same record array.
func TestDecodeIncludesPaddingRecords(t *testing.T) {
	h := &Header{
		LogpackLsid: 7,
		TotalIoSize: 1,
		NRecords:    1,
		NPadding:    1,
		Records: []Record{
			{Flags: RecordExist, OffsetLB: 0, IoSizeLB: 8, Lsid: 8},
			{Flags: RecordPadding, IoSizeLB: 8, Lsid: 9},
		},
	}

	buf, err := Encode(h, testPBS, 1)
	assert.NoError(t, err)

	got, err := Decode(buf, testPBS, 1)
	assert.NoError(t, err)
	assert.Len(t, got.Records, 2)
	assert.Equal(t, RecordExist, got.Records[0].Flags)
	assert.Equal(t, RecordPadding, got.Records[1].Flags)
}

func TestDecodeRejectsSaltMismatch(t *testing.T) {
	h := &Header{LogpackLsid: 1}
	buf, err := Encode(h, testPBS, 1)
	assert.NoError(t, err)

	_, err = Decode(buf, testPBS, 2)
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

func TestDecodeRejectsCorruptedSector(t *testing.T) {
	h := &Header{LogpackLsid: 1}
	buf, err := Encode(h, testPBS, 9)
	assert.NoError(t, err)

	buf[100] ^= 0xff

	_, err = Decode(buf, testPBS, 9)
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

func TestEncodeRejectsTooManyRecords(t *testing.T) {
	max := MaxRecordsPerHeader(testPBS)
	h := &Header{Records: make([]Record, max+1)}
	_, err := Encode(h, testPBS, 0)
	assert.Error(t, err)
}

package wlog

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/walb-project/walb/internal/logpack"
)

func buildStream(t *testing.T, hdr *logpack.Header, payloads [][]byte, salt uint32) []byte {
	t.Helper()
	buf, err := logpack.Encode(hdr, testPBS, salt)
	assert.NoError(t, err)
	var out bytes.Buffer
	out.Write(buf)
	for _, p := range payloads {
		out.Write(p)
	}
	return out.Bytes()
}

func TestReplayAppliesPayloadToDestination(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 512)
	hdr := &logpack.Header{
		LogpackLsid: 0,
		TotalIoSize: 1,
		NRecords:    1,
		Records: []logpack.Record{
			{Flags: logpack.RecordExist, OffsetLB: 7, IoSizeLB: 1},
		},
	}
	stream := buildStream(t, hdr, [][]byte{payload}, 3)

	dst := newFakeRing()
	err := Replay(bytes.NewReader(stream), Target{Ddev: dst, PBS: testPBS, ChecksumSalt: 3})
	assert.NoError(t, err)

	got := make([]byte, 512)
	assert.NoError(t, dst.ReadAt(got, 7))
	assert.Equal(t, payload, got)
}

func TestReplayIsIdempotent(t *testing.T) {
	payload := bytes.Repeat([]byte{0x7}, 512)
	hdr := &logpack.Header{
		LogpackLsid: 0,
		TotalIoSize: 1,
		NRecords:    1,
		Records: []logpack.Record{
			{Flags: logpack.RecordExist, OffsetLB: 2, IoSizeLB: 1},
		},
	}
	stream := buildStream(t, hdr, [][]byte{payload}, 1)

	dst := newFakeRing()
	assert.NoError(t, Replay(bytes.NewReader(stream), Target{Ddev: dst, PBS: testPBS, ChecksumSalt: 1}))
	first := make([]byte, 512)
	assert.NoError(t, dst.ReadAt(first, 2))

	assert.NoError(t, Replay(bytes.NewReader(stream), Target{Ddev: dst, PBS: testPBS, ChecksumSalt: 1}))
	second := make([]byte, 512)
	assert.NoError(t, dst.ReadAt(second, 2))

	assert.Equal(t, first, second)
}

func TestReplayDiscardHonorsDiscardToDdevFlag(t *testing.T) {
	hdr := &logpack.Header{
		LogpackLsid: 0,
		TotalIoSize: 0,
		NRecords:    1,
		Records: []logpack.Record{
			{Flags: logpack.RecordDiscard, OffsetLB: 4, IoSizeLB: 1},
		},
	}
	stream := buildStream(t, hdr, nil, 5)

	dst := newFakeRing()
	dst.blocks[4] = bytes.Repeat([]byte{0xff}, 512)

	assert.NoError(t, Replay(bytes.NewReader(stream), Target{Ddev: dst, PBS: testPBS, ChecksumSalt: 5, DiscardToDdev: false}))
	got := make([]byte, 512)
	assert.NoError(t, dst.ReadAt(got, 4))
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 512), got, "discard must be a no-op when DiscardToDdev is false")

	assert.NoError(t, Replay(bytes.NewReader(stream), Target{Ddev: dst, PBS: testPBS, ChecksumSalt: 5, DiscardToDdev: true}))
	assert.NoError(t, dst.ReadAt(got, 4))
	assert.Equal(t, make([]byte, 512), got, "discard must zero-fill when DiscardToDdev is true")
}

func TestReplayStopsOnInvalidHeader(t *testing.T) {
	garbage := bytes.Repeat([]byte{0x13}, testPBS)
	dst := newFakeRing()
	err := Replay(bytes.NewReader(garbage), Target{Ddev: dst, PBS: testPBS, ChecksumSalt: 1})
	assert.Error(t, err)
}

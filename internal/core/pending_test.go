package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestPendingIndex() *PendingIndex {
	return NewPendingIndex(1<<20, 1<<19, time.Second)
}

func TestInsertCoveringOverwriteMarksOlderEntry(t *testing.T) {
	p := newTestPendingIndex()

	older := NewWriteWrapper(10, 4, make([]byte, 4*512), false)
	p.Insert(older)

	newer := NewWriteWrapper(10, 8, make([]byte, 8*512), false)
	p.Insert(newer)

	assert.True(t, older.IsOverwritten())
	assert.Equal(t, uint64(8), p.PendingSectors(), "older entry's sectors must be evicted from accounting")
}

// TestInsertSamePosNonCoveringDoesNotEvict guards against the bug where a
// second write starting at the exact same pos_lb as an existing,
// non-covering pending entry would silently replace it in the single-keyed
// map without marking it Overwritten or adjusting pendingSectors.
func TestInsertSamePosNonCoveringDoesNotEvict(t *testing.T) {
	p := newTestPendingIndex()

	first := NewWriteWrapper(10, 8, make([]byte, 8*512), false)
	p.Insert(first)

	second := NewWriteWrapper(10, 4, make([]byte, 4*512), false)
	p.Insert(second)

	assert.False(t, first.IsOverwritten(), "a shorter write at the same offset must not evict the longer one")
	assert.False(t, second.IsOverwritten())
	assert.Equal(t, uint64(12), p.PendingSectors())

	readW := NewWriteWrapper(10, 8, make([]byte, 8*512), false)
	readW.Op = OpRead
	for i := range first.Data {
		first.Data[i] = 0xAA
	}
	for i := range second.Data {
		second.Data[i] = 0xBB
	}
	p.CheckAndCopy(readW)

	// second was inserted after first, so its bytes must win over the
	// overlapping prefix.
	assert.Equal(t, byte(0xBB), readW.Data[0])
}

func TestDeleteRemovesOnlyMatchingEntryFromBucket(t *testing.T) {
	p := newTestPendingIndex()

	a := NewWriteWrapper(10, 4, make([]byte, 4*512), false)
	b := NewWriteWrapper(10, 4, make([]byte, 4*512), false)
	p.Insert(a)
	p.Insert(b)
	assert.Equal(t, uint64(8), p.PendingSectors())

	p.Delete(a)
	assert.Equal(t, uint64(4), p.PendingSectors())
	assert.Equal(t, 1, p.Len())

	p.Delete(b)
	assert.Equal(t, uint64(0), p.PendingSectors())
	assert.Equal(t, 0, p.Len())
}

func TestDeleteOfOverwrittenEntryIsNoop(t *testing.T) {
	p := newTestPendingIndex()

	older := NewWriteWrapper(10, 4, make([]byte, 4*512), false)
	p.Insert(older)
	newer := NewWriteWrapper(10, 8, make([]byte, 8*512), false)
	p.Insert(newer)

	assert.True(t, older.IsOverwritten())
	before := p.PendingSectors()
	p.Delete(older)
	assert.Equal(t, before, p.PendingSectors(), "deleting an already-overwritten entry must not double-account")
}

func TestCheckAndCopyIgnoresDiscardAndNonOverlapping(t *testing.T) {
	p := newTestPendingIndex()

	discard := NewDiscardWrapper(0, 4)
	p.Insert(discard)

	elsewhere := NewWriteWrapper(100, 4, bytes4(0x11), false)
	p.Insert(elsewhere)

	readW := NewWriteWrapper(0, 4, make([]byte, 4*512), false)
	readW.Op = OpRead
	p.CheckAndCopy(readW)

	for _, b := range readW.Data {
		assert.Equal(t, byte(0), b, "discard and non-overlapping entries must not patch the read buffer")
	}
}

func bytes4(fill byte) []byte {
	b := make([]byte, 4*512)
	for i := range b {
		b[i] = fill
	}
	return b
}

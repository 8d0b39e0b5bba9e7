package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOverlapInsertNoOverlapIsImmediatelyReady(t *testing.T) {
	ot := NewOverlapTable()
	w := NewWriteWrapper(0, 4, make([]byte, 4*512), false)
	w.markLogDurable()
	assert.True(t, ot.Insert(w))
}

func TestOverlapInsertWithPredecessorDelaysUntilComplete(t *testing.T) {
	ot := NewOverlapTable()

	first := NewWriteWrapper(0, 8, make([]byte, 8*512), false)
	assert.False(t, ot.Insert(first))

	second := NewWriteWrapper(4, 4, make([]byte, 4*512), false)
	second.markLogDurable()
	assert.False(t, ot.Insert(second), "second overlaps first, must wait")
	assert.Equal(t, 1, second.NOverlapped())

	ready := ot.Complete(first)
	assert.Equal(t, []*BioWrapper{second}, ready)
}

// TestOverlapThirdWriteCountsBothPredecessorsAtSamePos guards against the
// same single-valued-map defect fixed in PendingIndex: two overlapping
// writes sharing the exact same pos_lb must both remain visible to a third
// write's overlap count, not have the second silently evict the first from
// the index.
func TestOverlapThirdWriteCountsBothPredecessorsAtSamePos(t *testing.T) {
	ot := NewOverlapTable()

	first := NewWriteWrapper(10, 8, make([]byte, 8*512), false)
	assert.False(t, ot.Insert(first))

	second := NewWriteWrapper(10, 4, make([]byte, 4*512), false)
	assert.False(t, ot.Insert(second))

	third := NewWriteWrapper(10, 2, make([]byte, 2*512), false)
	third.markLogDurable()
	assert.False(t, ot.Insert(third))
	assert.Equal(t, 2, third.NOverlapped(), "third must see both same-offset predecessors")

	assert.Empty(t, ot.Complete(first))
	assert.Equal(t, 1, third.NOverlapped())

	ready := ot.Complete(second)
	assert.Equal(t, []*BioWrapper{third}, ready)
}

func TestOverlapLenTracksOutstandingEntries(t *testing.T) {
	ot := NewOverlapTable()
	w := NewWriteWrapper(0, 4, make([]byte, 4*512), false)
	ot.Insert(w)
	assert.Equal(t, 1, ot.Len())
	ot.Complete(w)
	assert.Equal(t, 0, ot.Len())
}

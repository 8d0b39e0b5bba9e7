package lsid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMonotonicAdvance(t *testing.T) {
	s := New(0, 100)

	assert.NoError(t, s.AdvanceLatest(10))
	assert.Error(t, s.AdvanceLatest(5), "latest must not move backwards")

	assert.NoError(t, s.AdvanceCompleted(10))
	assert.Error(t, s.AdvanceCompleted(11), "completed must not exceed latest")

	assert.NoError(t, s.AdvancePermanent(10))
	assert.Error(t, s.AdvancePermanent(11), "permanent must not exceed completed")

	assert.NoError(t, s.AdvanceWritten(10))
	assert.Error(t, s.AdvanceWritten(11), "written must not exceed permanent")

	snap := s.Snapshot()
	assert.Equal(t, Lsid(10), snap.Latest)
	assert.Equal(t, Lsid(10), snap.Written)
}

func TestSetOldestBounds(t *testing.T) {
	s := New(0, 100)
	assert.NoError(t, s.AdvanceLatest(20))
	assert.NoError(t, s.AdvanceCompleted(20))
	assert.NoError(t, s.AdvancePermanent(20))
	assert.NoError(t, s.AdvanceWritten(20))

	assert.Error(t, s.SetOldest(21), "oldest must not exceed written")
	assert.NoError(t, s.SetOldest(5))
	assert.Error(t, s.SetOldest(2), "oldest must not move backwards")
}

func TestOverflowDetection(t *testing.T) {
	s := New(0, 10)
	assert.False(t, s.WouldOverflow(10))
	assert.True(t, s.WouldOverflow(11))

	assert.NoError(t, s.AdvanceLatest(11))
	assert.True(t, s.IsOverflow())
}

func TestCheckpointTracksWritten(t *testing.T) {
	s := New(0, 100)
	assert.NoError(t, s.AdvanceLatest(5))
	assert.NoError(t, s.AdvanceCompleted(5))
	assert.NoError(t, s.AdvancePermanent(5))
	assert.NoError(t, s.AdvanceWritten(5))

	written, prev := s.Checkpoint()
	assert.Equal(t, Lsid(5), written)
	assert.Equal(t, Lsid(0), prev)

	written, prev = s.Checkpoint()
	assert.Equal(t, Lsid(5), written)
	assert.Equal(t, Lsid(5), prev)
}

func TestLogUsageAndCapacity(t *testing.T) {
	s := New(0, 64)
	assert.Equal(t, uint64(64), s.LogCapacity())
	assert.NoError(t, s.AdvanceLatest(30))
	assert.Equal(t, uint64(30), s.LogUsage())
}

func TestNotifyChannelFiresOnPermanentOldestEdge(t *testing.T) {
	s := New(0, 100)
	ch := s.NotifyChannel()

	assert.NoError(t, s.AdvanceLatest(5))
	assert.NoError(t, s.AdvanceCompleted(5))
	assert.NoError(t, s.AdvancePermanent(5))

	select {
	case <-ch:
	default:
		t.Fatal("expected notify channel to fire on permanent-oldest edge")
	}
}

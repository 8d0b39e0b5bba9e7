package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/walb-project/walb/internal/lsid"
)

type fakeDevice struct {
	watermarks *lsid.Set
	freezes    int
	melts      int
}

func (f *fakeDevice) MinorIDOf() uint32            { return 9 }
func (f *fakeDevice) WatermarkSet() *lsid.Set       { return f.watermarks }
func (f *fakeDevice) Freeze()                       { f.freezes++ }
func (f *fakeDevice) Melt()                         { f.melts++ }

func TestWorkerIntervalGetSet(t *testing.T) {
	w := NewWorker(newTestStore(t), &fakeDevice{watermarks: lsid.New(0, 10)}, 5*time.Second, 1)
	assert.Equal(t, 5*time.Second, w.GetInterval())

	w.SetInterval(0)
	assert.Equal(t, time.Duration(0), w.GetInterval())
}

func TestCheckpointOnceSavesWatermarksAndFreezesMelts(t *testing.T) {
	watermarks := lsid.New(0, 100)
	assert.NoError(t, watermarks.AdvanceLatest(10))
	assert.NoError(t, watermarks.AdvanceCompleted(10))
	assert.NoError(t, watermarks.AdvancePermanent(10))
	assert.NoError(t, watermarks.AdvanceWritten(10))

	dev := &fakeDevice{watermarks: watermarks}
	store := newTestStore(t)
	w := NewWorker(store, dev, time.Second, 0xaa)

	w.checkpointOnce()

	assert.Equal(t, 1, dev.freezes)
	assert.Equal(t, 1, dev.melts)

	rec, ok, err := store.Load(dev.MinorIDOf())
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(10), rec.WrittenLsid)
	assert.Equal(t, uint32(0xaa), rec.Salt)
}

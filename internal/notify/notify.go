// Package notify exposes a device's watermarks as a pollable sysfs-style
// attribute file (spec section 6, the `lsids` attribute): every edge
// transition of (permanent - oldest) from zero to positive rewrites the
// file, so a userland watcher blocked in poll(2)/inotify on it wakes up.
// Writes go through github.com/ungerik/go-sysfs's Attribute type, the same
// one the teacher uses for UBI attribute access, pointed at our own
// per-device file instead of a kernel-exported one.
package notify

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mendersoftware/log"
	"github.com/pkg/errors"
	"github.com/ungerik/go-sysfs"
	"github.com/walb-project/walb/internal/lsid"
)

// Publisher writes a device's lsid snapshot to dir/walb<minor>-lsids on every notify
// edge from the device's watermark set, and stops when ctx-like Close is
// called.
type Publisher struct {
	attr sysfs.Attribute
	stop chan struct{}
	done chan struct{}
}

// NewPublisher creates the attribute file under dir (created if absent)
// for the given minor id and starts watching watermarks for edges.
func NewPublisher(dir string, minorID uint32, watermarks *lsid.Set) (*Publisher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "notify: failed to create %s", dir)
	}
	path := filepath.Join(dir, fmt.Sprintf("walb%d-lsids", minorID))
	// sysfs.Attribute.Open never passes O_CREATE (it mirrors a
	// kernel-exported file that always already exists), so the backing
	// file must be created once up front.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "notify: failed to create %s", path)
	}
	f.Close()

	p := &Publisher{
		attr: sysfs.Attribute{Path: path},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if err := p.writeSnapshot(watermarks.Snapshot()); err != nil {
		return nil, err
	}
	go p.watch(watermarks)
	return p, nil
}

func (p *Publisher) watch(watermarks *lsid.Set) {
	defer close(p.done)
	for {
		ch := watermarks.NotifyChannel()
		select {
		case <-p.stop:
			return
		case <-ch:
			if err := p.writeSnapshot(watermarks.Snapshot()); err != nil {
				log.Errorf("notify: %v", err)
			}
		}
	}
}

func (p *Publisher) writeSnapshot(s lsid.Snapshot) error {
	line := fmt.Sprintf("latest %d\nflush %d\ncompleted %d\npermanent %d\nwritten %d\noldest %d\n",
		s.Latest, s.Flush, s.Completed, s.Permanent, s.Written, s.Oldest)
	return errors.Wrap(p.attr.Write(line), "notify: write failed")
}

// Close stops the watcher goroutine and waits for it to exit.
func (p *Publisher) Close() {
	close(p.stop)
	<-p.done
}

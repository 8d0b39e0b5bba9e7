// Package checkpoint persists each device's durable watermarks (written,
// oldest and the device salt/superblock identity) to an embedded LMDB
// database, keyed by minor id, so a restart can resume a device without
// replaying its whole log (spec section 4.9). Adapted from the teacher's
// store.DBStore: a single-file LMDB environment opened once, read/written
// through View/Update transactions on its root database.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"path"

	"github.com/bmatsuo/lmdb-go/lmdb"
	"github.com/mendersoftware/log"
	"github.com/pkg/errors"
)

const dbName = "walb-checkpoint"

// Record is the durable snapshot of one device's watermarks.
type Record struct {
	WrittenLsid uint64
	OldestLsid  uint64
	Salt        uint32
}

// Store is an LMDB-backed table of Records keyed by minor id.
type Store struct {
	env        *lmdb.Env
	syncWrites bool
}

// Open opens (creating if necessary) the checkpoint database under
// dirpath. When syncWrites is set every Save fsyncs the environment before
// returning, matching the is_sync_superblock tunable (spec section 6) —
// otherwise a crash between Save and the next OS-level flush can lose the
// most recent checkpoint, which only costs replaying a bit more log, never
// correctness.
func Open(dirpath string, syncWrites bool) (*Store, error) {
	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, errors.Wrap(err, "checkpoint: failed to create DB environment")
	}
	flags := uint(lmdb.NoSubdir)
	if !syncWrites {
		flags |= lmdb.NoSync
	}
	if err := env.Open(path.Join(dirpath, dbName), flags, 0600); err != nil {
		return nil, errors.Wrap(err, "checkpoint: failed to open DB environment")
	}
	return &Store{env: env, syncWrites: syncWrites}, nil
}

func (s *Store) Close() error {
	if s.env == nil {
		return nil
	}
	err := s.env.Close()
	s.env = nil
	return errors.Wrap(err, "checkpoint: close failed")
}

func key(minorID uint32) []byte {
	return []byte(fmt.Sprintf("dev:%d", minorID))
}

// Save writes rec for minorID, replacing any previous checkpoint.
func (s *Store) Save(minorID uint32, rec Record) error {
	buf := make([]byte, 20)
	binary.BigEndian.PutUint64(buf[0:], rec.WrittenLsid)
	binary.BigEndian.PutUint64(buf[8:], rec.OldestLsid)
	binary.BigEndian.PutUint32(buf[16:], rec.Salt)

	err := s.env.Update(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		return txn.Put(dbi, key(minorID), buf, 0)
	})
	if err != nil {
		return errors.Wrapf(err, "checkpoint: save failed for minor %d", minorID)
	}
	if s.syncWrites {
		if err := s.env.Sync(true); err != nil {
			log.Errorf("checkpoint: sync failed for minor %d: %v", minorID, err)
		}
	}
	return nil
}

// Load reads the last saved checkpoint for minorID. ok is false when no
// checkpoint has ever been saved (a freshly formatted device).
func (s *Store) Load(minorID uint32) (rec Record, ok bool, err error) {
	txnErr := s.env.View(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		buf, err := txn.Get(dbi, key(minorID))
		if err != nil {
			if lmdb.IsNotFound(err) {
				return nil
			}
			return err
		}
		if len(buf) != 20 {
			return errors.Errorf("checkpoint: corrupt record for minor %d", minorID)
		}
		rec.WrittenLsid = binary.BigEndian.Uint64(buf[0:])
		rec.OldestLsid = binary.BigEndian.Uint64(buf[8:])
		rec.Salt = binary.BigEndian.Uint32(buf[16:])
		ok = true
		return nil
	})
	if txnErr != nil {
		return Record{}, false, errors.Wrapf(txnErr, "checkpoint: load failed for minor %d", minorID)
	}
	return rec, ok, nil
}

// Remove deletes minorID's checkpoint, called by delete_wdev.
func (s *Store) Remove(minorID uint32) error {
	err := s.env.Update(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		if err := txn.Del(dbi, key(minorID), nil); err != nil {
			if lmdbErr, ok := err.(*lmdb.OpError); ok && lmdbErr.Errno == lmdb.NotFound {
				return nil
			}
			return err
		}
		return nil
	})
	return errors.Wrapf(err, "checkpoint: remove failed for minor %d", minorID)
}

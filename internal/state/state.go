package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/alexjbarnes/dirsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.dirsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var metaBucket = []byte("meta")

func rootBucket(index int) []byte {
	return []byte("root:" + strconv.Itoa(index))
}

func rootKey(index int) []byte {
	return []byte("root:" + strconv.Itoa(index) + ":dir")
}

// State wraps a bbolt database holding the last computed fingerprints of
// every watched root, so hashes survive a process restart.
type State struct {
	db *bolt.DB
}

// DefaultPath returns the default database location for a role.
func DefaultPath(role string) (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".dirsync", role+".db"), nil
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// LoadSnapshot returns the stored snapshot for a root index. It returns
// nil without error when nothing is stored or when the stored snapshot
// belongs to a different directory.
func (s *State) LoadSnapshot(index int, root string) (*models.Snapshot, error) {
	var snap *models.Snapshot

	err := s.db.View(func(tx *bolt.Tx) error {
		stored := tx.Bucket(metaBucket).Get(rootKey(index))
		if stored == nil || string(stored) != root {
			return nil
		}

		b := tx.Bucket(rootBucket(index))
		if b == nil {
			return nil
		}

		snap = models.NewSnapshot()

		return b.ForEach(func(k, v []byte) error {
			var rec models.FileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding record %q: %w", k, err)
			}

			rec.Path = string(k)
			snap.Add(rec)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// SaveSnapshot replaces the stored snapshot for a root index in a single
// transaction.
func (s *State) SaveSnapshot(index int, root string, snap *models.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		name := rootBucket(index)
		if tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}

		b, err := tx.CreateBucket(name)
		if err != nil {
			return err
		}

		var putErr error

		snap.Each(func(rec models.FileRecord) bool {
			data, err := json.Marshal(rec)
			if err != nil {
				putErr = err
				return false
			}

			putErr = b.Put([]byte(rec.Path), data)

			return putErr == nil
		})
		if putErr != nil {
			return putErr
		}

		return tx.Bucket(metaBucket).Put(rootKey(index), []byte(root))
	})
}

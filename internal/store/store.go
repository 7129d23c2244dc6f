package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const bucketCovers = "covers"

// Store persists the per-cover option map: calibrated timing attributes and
// last known positions. Other writers (the configuration surface) own keys
// in the same map, so every write merges into the stored state instead of
// replacing it.
type Store struct {
	dbPath string
}

func New(dbPath string) *Store {
	return &Store{dbPath: dbPath}
}

func (s *Store) Init() error {
	parentDir := filepath.Dir(s.dbPath)
	if _, err := os.Stat(parentDir); errors.Is(err, os.ErrNotExist) {
		logrus.Infof("store: creating directory %s", parentDir)
		if err := os.MkdirAll(parentDir, 0755); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) open() (*bolt.DB, error) {
	db, err := bolt.Open(s.dbPath, 0600, &bolt.Options{Timeout: time.Minute})
	if err != nil {
		return nil, errors.Wrapf(err, "store: open %s failed", s.dbPath)
	}
	return db, nil
}

// Options returns the persisted option map for a cover. A cover that was
// never written yields an empty map.
func (s *Store) Options(cover string) (map[string]string, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = db.Close()
	}()

	options := map[string]string{}
	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCovers))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(cover))
		if v == nil {
			return nil
		}

		if err := json.Unmarshal(v, &options); err != nil {
			// unreadable persisted data is dropped rather than carried
			logrus.Warnf("store: unable to unmarshal options for %s: %v", cover, err)
			options = map[string]string{}
			return b.Delete([]byte(cover))
		}
		return nil
	})

	return options, err
}

// MergeOptions applies updates on top of the persisted option map inside a
// single transaction, leaving keys owned by other writers untouched.
func (s *Store) MergeOptions(cover string, updates map[string]string) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucketCovers))
		if err != nil {
			return errors.Wrap(err, "store: create bucket")
		}

		options := map[string]string{}
		if v := b.Get([]byte(cover)); v != nil {
			if err := json.Unmarshal(v, &options); err != nil {
				logrus.Warnf("store: discarding corrupt options for %s: %v", cover, err)
				options = map[string]string{}
			}
		}

		for key, value := range updates {
			options[key] = value
		}

		data, err := json.Marshal(options)
		if err != nil {
			return err
		}
		return b.Put([]byte(cover), data)
	})
}

package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/depot/pkg/digest"
	"github.com/jacktea/depot/pkg/xerrors"
)

var (
	bucketRecords      = []byte("records")
	bucketFingerprints = []byte("fingerprints")
)

// BoltConfig configures the BoltDB-backed store.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// BoltStore persists file records in BoltDB. Each mutation runs in a
// single write transaction, which makes check-then-insert atomic without
// extra locking.
type BoltStore struct {
	cfg BoltConfig
	db  *bolt.DB
}

// NewBoltStore initialises a Bolt-backed metadata store.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltdb: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	opts := bolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	}
	db, err := bolt.Open(cfg.Path, 0o600, &opts)
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	store := &BoltStore{cfg: cfg, db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (b *BoltStore) init() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketFingerprints} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("boltdb: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

func (b *BoltStore) FindByFingerprint(ctx context.Context, fp digest.Fingerprint) (FileRecord, error) {
	var record FileRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketFingerprints).Get([]byte(fp))
		if id == nil {
			return xerrors.E(xerrors.KindNotFound, "meta.FindByFingerprint", string(fp))
		}
		var err error
		record, err = getRecord(tx, string(id))
		return err
	})
	return record, err
}

func (b *BoltStore) FindByID(ctx context.Context, id string) (FileRecord, error) {
	var record FileRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		record, err = getRecord(tx, id)
		return err
	})
	return record, err
}

func (b *BoltStore) Insert(ctx context.Context, record FileRecord) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		fps := tx.Bucket(bucketFingerprints)
		if records.Get([]byte(record.ID)) != nil {
			return xerrors.E(xerrors.KindConflict, "meta.Insert", record.ID)
		}
		if fps.Get([]byte(record.Fingerprint)) != nil {
			return xerrors.E(xerrors.KindConflict, "meta.Insert", string(record.Fingerprint))
		}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if err := records.Put([]byte(record.ID), data); err != nil {
			return err
		}
		return fps.Put([]byte(record.Fingerprint), []byte(record.ID))
	})
}

func (b *BoltStore) Update(ctx context.Context, record FileRecord) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		prior, err := getRecord(tx, record.ID)
		if err != nil {
			return err
		}
		fps := tx.Bucket(bucketFingerprints)
		if prior.Fingerprint != record.Fingerprint {
			if owner := fps.Get([]byte(record.Fingerprint)); owner != nil && string(owner) != record.ID {
				return xerrors.E(xerrors.KindConflict, "meta.Update", string(record.Fingerprint))
			}
			if err := fps.Delete([]byte(prior.Fingerprint)); err != nil {
				return err
			}
			if err := fps.Put([]byte(record.Fingerprint), []byte(record.ID)); err != nil {
				return err
			}
		}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRecords).Put([]byte(record.ID), data)
	})
}

func (b *BoltStore) Remove(ctx context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		data := records.Get([]byte(id))
		if data == nil {
			return nil
		}
		record, err := decodeRecord(data)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketFingerprints).Delete([]byte(record.Fingerprint)); err != nil {
			return err
		}
		return records.Delete([]byte(id))
	})
}

func (b *BoltStore) List(ctx context.Context) ([]FileRecord, error) {
	var out []FileRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			record, err := decodeRecord(v)
			if err != nil {
				return err
			}
			out = append(out, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

func (b *BoltStore) Count(ctx context.Context) (int, error) {
	var n int
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketRecords).Stats().KeyN
		return nil
	})
	return n, err
}

// Close releases the underlying BoltDB.
func (b *BoltStore) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func getRecord(tx *bolt.Tx, id string) (FileRecord, error) {
	data := tx.Bucket(bucketRecords).Get([]byte(id))
	if data == nil {
		return FileRecord{}, xerrors.E(xerrors.KindNotFound, "meta.get", id)
	}
	return decodeRecord(data)
}

func decodeRecord(data []byte) (FileRecord, error) {
	var record FileRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return FileRecord{}, err
	}
	return record, nil
}

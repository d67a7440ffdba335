package store

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/haggle-project/haggled/internal/attribute"
	"github.com/haggle-project/haggled/internal/dataobject"
)

var (
	bucketDataObjects = []byte("data_objects")
	bucketRepository  = []byte("repository")
)

// BoltStore is the persistent, default Store backed by an embedded bbolt
// database: one bucket holding every data object, keyed by its 20-byte id.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "haggled.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDataObjects); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketRepository)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

// Insert stores obj. A collision on id does not replace the stored copy;
// instead it stamps obj.Duplicate = true so the caller can apply spec
// §4.2 invariant (2).
func (s *BoltStore) Insert(_ context.Context, obj *dataobject.DataObject) error {
	id := obj.ID()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDataObjects)
		if b.Get(id[:]) != nil {
			obj.Duplicate = true
			return nil
		}
		data, err := marshalRecord(obj)
		if err != nil {
			return fmt.Errorf("store: encode data object %s: %w", id, err)
		}
		obj.Duplicate = false
		return b.Put(id[:], data)
	})
}

func (s *BoltStore) Retrieve(_ context.Context, id dataobject.ID) (*dataobject.DataObject, error) {
	var obj *dataobject.DataObject
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDataObjects).Get(id[:])
		if data == nil {
			return ErrNotFound
		}
		decoded, err := unmarshalRecord(data)
		if err != nil {
			return fmt.Errorf("store: decode data object %s: %w", id, err)
		}
		obj = decoded
		return nil
	})
	return obj, err
}

func (s *BoltStore) Delete(_ context.Context, id dataobject.ID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDataObjects)
		if b.Get(id[:]) == nil {
			return ErrNotFound
		}
		return b.Delete(id[:])
	})
}

func (s *BoltStore) Query(_ context.Context, want *attribute.Set) ([]*dataobject.DataObject, error) {
	all, err := s.allLocked()
	if err != nil {
		return nil, err
	}
	return rankByMatch(all, want), nil
}

func (s *BoltStore) All(_ context.Context) ([]*dataobject.DataObject, error) {
	return s.allLocked()
}

func (s *BoltStore) allLocked() ([]*dataobject.DataObject, error) {
	var out []*dataobject.DataObject
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDataObjects).ForEach(func(k, v []byte) error {
			obj, err := unmarshalRecord(v)
			if err != nil {
				return fmt.Errorf("store: decode data object %x: %w", k, err)
			}
			out = append(out, obj)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Age(_ context.Context, want *attribute.Set, maxAge time.Duration, batchCap int) ([]dataobject.ID, bool, error) {
	cutoff := time.Now().Add(-maxAge)
	var deleted []dataobject.ID
	hitCap := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDataObjects)
		return b.ForEach(func(k, v []byte) error {
			if len(deleted) >= batchCap {
				hitCap = true
				return nil
			}
			obj, err := unmarshalRecord(v)
			if err != nil {
				return fmt.Errorf("store: decode data object %x: %w", k, err)
			}
			if !obj.CreateTime.Before(cutoff) {
				return nil
			}
			if _, matched := obj.Attrs.Matches(want); matched > 0 {
				return nil
			}
			var id dataobject.ID
			copy(id[:], k)
			deleted = append(deleted, id)
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}

	if len(deleted) > 0 {
		err = s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketDataObjects)
			for _, id := range deleted {
				if err := b.Delete(id[:]); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return deleted, hitCap, err
}

func (s *BoltStore) PutRepository(_ context.Context, authority, key, value string) error {
	k := []byte(repoKey(authority, key))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRepository).Put(k, []byte(value))
	})
}

func (s *BoltStore) GetRepository(_ context.Context, authority, key string) (string, error) {
	k := []byte(repoKey(authority, key))
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRepository).Get(k)
		if v == nil {
			return ErrNotFound
		}
		value = string(v)
		return nil
	})
	return value, err
}

func (s *BoltStore) DeleteRepository(_ context.Context, authority, key string) error {
	k := []byte(repoKey(authority, key))
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepository)
		if b.Get(k) == nil {
			return ErrNotFound
		}
		return b.Delete(k)
	})
}

func (s *BoltStore) RepositoryByAuthority(_ context.Context, authority string) (map[string]string, error) {
	prefix := []byte(authority + ":")
	out := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRepository).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			out[string(k[len(prefix):])] = string(v)
		}
		return nil
	})
	return out, err
}

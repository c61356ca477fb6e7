package db

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"go.etcd.io/bbolt"
)

const (
	roomBucket     = "rooms"
	snapshotBucket = "snapshots"
)

// KeyValueStore is the underlying best-effort persistence layer. Buckets
// and keys are created lazily by Update.
type KeyValueStore interface {
	Open() error
	Close() error
	Delete() error
	Update(bucket string, key string, value []byte) error
	GetValue(bucket string, key string) ([]byte, error)
	GetAll(bucket string) (map[string][]byte, error)
	DeleteKey(bucket string, key string) error
	DeleteBucket(bucket string) error
}

type BoltKeyValueStore struct {
	db      *bbolt.DB
	path    string
	timeout time.Duration
}

func NewBoltKeyValueStore(path string, timeoutSeconds uint64) (*BoltKeyValueStore, error) {
	if path == "" || timeoutSeconds == 0 {
		return nil, errors.New("invalid parameters: path must not be empty and timeout must be non-zero")
	}

	return &BoltKeyValueStore{path: path, timeout: time.Duration(timeoutSeconds) * time.Second}, nil
}

func (kv *BoltKeyValueStore) Open() error {
	conn, err := bbolt.Open(kv.path, 0600, &bbolt.Options{Timeout: kv.timeout})
	if err != nil {
		return err
	}
	kv.db = conn

	return nil
}

func (kv BoltKeyValueStore) Close() error {
	if kv.db == nil {
		return errors.New("database not initialized, cannot call Close()")
	}
	return kv.db.Close()
}

func (kv BoltKeyValueStore) Delete() error {
	return os.Remove(kv.path)
}

func (kv BoltKeyValueStore) Update(bucket string, key string, value []byte) error {
	return kv.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}

		return b.Put([]byte(key), value)
	})
}

func (kv BoltKeyValueStore) GetValue(bucket string, key string) ([]byte, error) {
	var val []byte
	err := kv.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return bbolt.ErrBucketNotFound
		}
		val = b.Get([]byte(key))

		return nil
	})

	if err != nil {
		return nil, err
	}

	return val, nil
}

func (kv BoltKeyValueStore) GetAll(bucket string) (map[string][]byte, error) {
	values := make(map[string][]byte)
	err := kv.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			cp := make([]byte, len(v))
			copy(cp, v)
			values[string(k)] = cp
			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return values, nil
}

func (kv BoltKeyValueStore) DeleteKey(bucket string, key string) error {
	return kv.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (kv BoltKeyValueStore) DeleteBucket(bucket string) error {
	return kv.db.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket([]byte(bucket))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// DBManager is a thin facade over KeyValueStore specialized for this
// core's two persisted shapes: room configuration (existence +
// persistent flag, so declared/created rooms survive a restart) and a
// best-effort full-state snapshot (used to warm a room on reload; the
// bus snapshot key is still the primary source of truth, see §7).
type DBManager struct {
	store KeyValueStore
}

func NewDBManager(store KeyValueStore) DBManager {
	return DBManager{store: store}
}

func (m DBManager) Open() error  { return m.store.Open() }
func (m DBManager) Close() error { return m.store.Close() }
func (m DBManager) Delete() error {
	return m.store.Delete()
}

// RoomRecord is the persisted shape of one room's existence.
type RoomRecord struct {
	Name       string `json:"name"`
	Persistent bool   `json:"persistent"`
}

func (m DBManager) PutRoom(record RoomRecord) error {
	enc, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return m.store.Update(roomBucket, record.Name, enc)
}

func (m DBManager) DeleteRoom(name string) error {
	return m.store.DeleteKey(roomBucket, name)
}

func (m DBManager) AllRooms() (map[string]RoomRecord, error) {
	raw, err := m.store.GetAll(roomBucket)
	if err != nil {
		return nil, err
	}

	records := make(map[string]RoomRecord, len(raw))
	for name, data := range raw {
		var record RoomRecord
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		records[name] = record
	}

	return records, nil
}

// PutSnapshot stores the most recent full JSON snapshot of a room's
// state, used for best-effort recovery when no bus snapshot is
// available (e.g. first node to ever host this room after a restart).
func (m DBManager) PutSnapshot(room string, snapshot []byte) error {
	return m.store.Update(snapshotBucket, room, snapshot)
}

func (m DBManager) GetSnapshot(room string) ([]byte, error) {
	return m.store.GetValue(snapshotBucket, room)
}

func (m DBManager) DeleteSnapshot(room string) error {
	return m.store.DeleteKey(snapshotBucket, room)
}

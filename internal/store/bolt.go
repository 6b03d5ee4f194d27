package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketDevices = []byte("devices")

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDevices)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) LoadProperties(did string) (map[string]any, error) {
	state, err := s.GetState(did)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	return state.Properties, nil
}

func (s *BoltStore) SaveProperty(did, key string, value any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		state := DeviceState{DID: did}
		if data := b.Get([]byte(did)); data != nil {
			if err := json.Unmarshal(data, &state); err != nil {
				return fmt.Errorf("decode state %s: %w", did, err)
			}
		}
		if state.Properties == nil {
			state.Properties = make(map[string]any)
		}
		state.Properties[key] = value
		state.UpdatedAt = time.Now()

		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put([]byte(did), data)
	})
}

func (s *BoltStore) GetState(did string) (*DeviceState, error) {
	var state DeviceState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(did))
		if data == nil {
			return fmt.Errorf("device %s: %w", did, ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	if state.Properties == nil {
		state.Properties = make(map[string]any)
	}
	return &state, nil
}

func (s *BoltStore) ListStates() ([]*DeviceState, error) {
	var states []*DeviceState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		states = make([]*DeviceState, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var state DeviceState
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			states = append(states, &state)
			return nil
		})
	})
	return states, err
}

func (s *BoltStore) DeleteDevice(did string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		return b.Delete([]byte(did))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Package boltstore keeps miner records in a bbolt file, one JSON row per device.
package boltstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"github.com/b0ase/path402/apps/minesim/internal/accrual"
	"github.com/b0ase/path402/apps/minesim/internal/store"
)

var minersBkt = []byte("miners")

var log = logrus.WithField("component", "bolt")

// Store implements store.Store.
type Store struct {
	db *bbolt.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(minersBkt)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	log.Infof("Opened %s", path)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func getRow(b *bbolt.Bucket, deviceID string) (store.Row, error) {
	var row store.Row
	data := b.Get([]byte(deviceID))
	if data == nil {
		return row, store.ErrNotFound
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return row, fmt.Errorf("decode %s: %w", deviceID, err)
	}
	return row, nil
}

func putRow(b *bbolt.Bucket, row store.Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return b.Put([]byte(row.DeviceID), data)
}

func (s *Store) Get(_ context.Context, deviceID string) (accrual.Record, error) {
	var row store.Row
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		row, err = getRow(tx.Bucket(minersBkt), deviceID)
		return err
	})
	if err != nil {
		return accrual.Record{}, err
	}
	return row.Record(), nil
}

func (s *Store) GetOrCreate(_ context.Context, deviceID string, now time.Time) (accrual.Record, bool, error) {
	var (
		row     store.Row
		created bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(minersBkt)
		existing, err := getRow(b, deviceID)
		if err == nil {
			row = existing
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		row = store.RowFrom(accrual.NewRecord(deviceID, now))
		created = true
		return putRow(b, row)
	})
	if err != nil {
		return accrual.Record{}, false, err
	}
	return row.Record(), created, nil
}

func (s *Store) Apply(_ context.Context, u store.Update) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(minersBkt)
		row, err := getRow(b, u.DeviceID)
		if err != nil {
			return err
		}
		if !row.Matches(u) {
			return store.ErrConflict
		}
		u.ApplyTo(&row)
		return putRow(b, row)
	})
}

func (s *Store) Touch(_ context.Context, deviceID string, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(minersBkt)
		row, err := getRow(b, deviceID)
		if err != nil {
			return err
		}
		row.LastActive = store.Millis(at)
		return putRow(b, row)
	})
}

func (s *Store) Start(_ context.Context, deviceID string, now time.Time) (accrual.Record, error) {
	return s.rewrite(deviceID, now, true, accrual.StartRecord)
}

func (s *Store) Reset(_ context.Context, deviceID string, now time.Time) (accrual.Record, error) {
	return s.rewrite(deviceID, now, false, accrual.ResetRecord)
}

// rewrite loads a record (or a fresh one when create is set), passes it
// through fn and stores the result in one transaction.
func (s *Store) rewrite(deviceID string, now time.Time, create bool, fn func(accrual.Record, time.Time) accrual.Record) (accrual.Record, error) {
	var rec accrual.Record
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(minersBkt)
		row, err := getRow(b, deviceID)
		switch {
		case err == nil:
			rec = row.Record()
		case errors.Is(err, store.ErrNotFound) && create:
			rec = accrual.NewRecord(deviceID, now)
		default:
			return err
		}
		rec = fn(rec, now)
		return putRow(b, store.RowFrom(rec))
	})
	if err != nil {
		return accrual.Record{}, err
	}
	return rec, nil
}

func (s *Store) ListMining(_ context.Context) ([]accrual.Record, error) {
	var recs []accrual.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(minersBkt).ForEach(func(k, v []byte) error {
			var row store.Row
			if err := json.Unmarshal(v, &row); err != nil {
				log.Warnf("Skipping undecodable record %s: %v", k, err)
				return nil
			}
			if row.IsMining {
				recs = append(recs, row.Record())
			}
			return nil
		})
	})
	return recs, err
}

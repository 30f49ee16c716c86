// Package levelstore keeps miner records in a LevelDB directory.
//
// LevelDB has no multi-key transactions, so every read-modify-write takes
// the store mutex. That makes guarded writes safe within one process; the
// directory lock keeps a second process out.
package levelstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/b0ase/path402/apps/minesim/internal/accrual"
	"github.com/b0ase/path402/apps/minesim/internal/store"
)

var log = logrus.WithField("component", "leveldb")

const keyPrefix = "miner/"

// Store implements store.Store.
type Store struct {
	mu sync.Mutex
	db *leveldb.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database directory at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb: %w", err)
	}
	log.Infof("Opened %s", path)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func key(deviceID string) []byte {
	return []byte(keyPrefix + deviceID)
}

func (s *Store) getRow(deviceID string) (store.Row, error) {
	var row store.Row
	data, err := s.db.Get(key(deviceID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return row, store.ErrNotFound
	}
	if err != nil {
		return row, err
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return row, fmt.Errorf("decode %s: %w", deviceID, err)
	}
	return row, nil
}

func (s *Store) putRow(row store.Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return s.db.Put(key(row.DeviceID), data, &opt.WriteOptions{Sync: true})
}

func (s *Store) Get(_ context.Context, deviceID string) (accrual.Record, error) {
	row, err := s.getRow(deviceID)
	if err != nil {
		return accrual.Record{}, err
	}
	return row.Record(), nil
}

func (s *Store) GetOrCreate(_ context.Context, deviceID string, now time.Time) (accrual.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.getRow(deviceID)
	if err == nil {
		return row.Record(), false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return accrual.Record{}, false, err
	}
	rec := accrual.NewRecord(deviceID, now)
	if err := s.putRow(store.RowFrom(rec)); err != nil {
		return accrual.Record{}, false, err
	}
	return rec, true, nil
}

func (s *Store) Apply(_ context.Context, u store.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.getRow(u.DeviceID)
	if err != nil {
		return err
	}
	if !row.Matches(u) {
		return store.ErrConflict
	}
	u.ApplyTo(&row)
	return s.putRow(row)
}

func (s *Store) Touch(_ context.Context, deviceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.getRow(deviceID)
	if err != nil {
		return err
	}
	row.LastActive = store.Millis(at)
	return s.putRow(row)
}

func (s *Store) Start(_ context.Context, deviceID string, now time.Time) (accrual.Record, error) {
	return s.rewrite(deviceID, now, true, accrual.StartRecord)
}

func (s *Store) Reset(_ context.Context, deviceID string, now time.Time) (accrual.Record, error) {
	return s.rewrite(deviceID, now, false, accrual.ResetRecord)
}

func (s *Store) rewrite(deviceID string, now time.Time, create bool, fn func(accrual.Record, time.Time) accrual.Record) (accrual.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec accrual.Record
	row, err := s.getRow(deviceID)
	switch {
	case err == nil:
		rec = row.Record()
	case errors.Is(err, store.ErrNotFound) && create:
		rec = accrual.NewRecord(deviceID, now)
	default:
		return accrual.Record{}, err
	}
	rec = fn(rec, now)
	if err := s.putRow(store.RowFrom(rec)); err != nil {
		return accrual.Record{}, err
	}
	return rec, nil
}

func (s *Store) ListMining(_ context.Context) ([]accrual.Record, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	defer iter.Release()

	var recs []accrual.Record
	for iter.Next() {
		var row store.Row
		if err := json.Unmarshal(iter.Value(), &row); err != nil {
			log.Warnf("Skipping undecodable record %s: %v", iter.Key(), err)
			continue
		}
		if row.IsMining {
			recs = append(recs, row.Record())
		}
	}
	return recs, iter.Error()
}

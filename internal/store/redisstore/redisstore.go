// Package redisstore keeps miner records in Redis hashes so several API
// instances can share them.
package redisstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/b0ase/path402/apps/minesim/internal/accrual"
	"github.com/b0ase/path402/apps/minesim/internal/store"
)

const Separator = ":"

var log = logrus.WithField("component", "redis")

// touchScript sets last_active only when the hash already exists.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('HSET', KEYS[1], 'last_active', ARGV[1])
	return 1
end
return 0`)

// Options configures the client.
type Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Prefix   string
}

// Store implements store.Store.
type Store struct {
	prefix string
	client *redis.Client
}

var _ store.Store = (*Store)(nil)

// Open connects and pings the server.
func Open(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "minesim"
	}
	log.Infof("Connected to %s (prefix %q)", opts.Addr, prefix)
	return &Store{prefix: prefix, client: client}, nil
}

// Client exposes the connection for the realtime feed.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Prefix is the key namespace in use.
func (s *Store) Prefix() string {
	return s.prefix
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(deviceID string) string {
	return s.prefix + Separator + "miner" + Separator + deviceID
}

func (s *Store) miningSet() string {
	return s.prefix + Separator + "mining"
}

func decodeRow(deviceID string, fields map[string]string) (store.Row, error) {
	row := store.Row{DeviceID: deviceID}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &row,
	})
	if err != nil {
		return row, err
	}
	if err := dec.Decode(fields); err != nil {
		return row, err
	}
	row.DeviceID = deviceID
	return row, nil
}

func rowFields(r store.Row) map[string]interface{} {
	return map[string]interface{}{
		"balance_micros":   r.BalanceMicros,
		"is_mining":        boolField(r.IsMining),
		"is_mining_paused": boolField(r.IsMiningPaused),
		"last_update_time": r.LastUpdateTime,
		"last_active":      r.LastActive,
		"created_at":       r.CreatedAt,
		"paused_at":        r.PausedAt,
	}
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (s *Store) readRow(ctx context.Context, c redis.Cmdable, deviceID string) (store.Row, error) {
	fields, err := c.HGetAll(ctx, s.key(deviceID)).Result()
	if err != nil {
		return store.Row{}, err
	}
	if len(fields) == 0 {
		return store.Row{}, store.ErrNotFound
	}
	return decodeRow(deviceID, fields)
}

func (s *Store) Get(ctx context.Context, deviceID string) (accrual.Record, error) {
	row, err := s.readRow(ctx, s.client, deviceID)
	if err != nil {
		return accrual.Record{}, err
	}
	return row.Record(), nil
}

func (s *Store) GetOrCreate(ctx context.Context, deviceID string, now time.Time) (accrual.Record, bool, error) {
	key := s.key(deviceID)
	var (
		row     store.Row
		created bool
	)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := s.readRow(ctx, tx, deviceID)
		if err == nil {
			row = existing
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		row = store.RowFrom(accrual.NewRecord(deviceID, now))
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, rowFields(row))
			return nil
		})
		created = err == nil
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Someone else created it between WATCH and EXEC.
		rec, err := s.Get(ctx, deviceID)
		return rec, false, err
	}
	if err != nil {
		return accrual.Record{}, false, err
	}
	return row.Record(), created, nil
}

func (s *Store) Apply(ctx context.Context, u store.Update) error {
	key := s.key(u.DeviceID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		row, err := s.readRow(ctx, tx, u.DeviceID)
		if err != nil {
			return err
		}
		if !row.Matches(u) {
			return store.ErrConflict
		}

		fields := map[string]interface{}{
			"is_mining_paused": boolField(u.IsMiningPaused),
			"last_update_time": store.Millis(u.LastUpdateTime),
			"paused_at":        store.Millis(u.PausedAt),
		}
		if u.LastActive != nil {
			fields["last_active"] = store.Millis(*u.LastActive)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if u.BalanceDelta != 0 {
				pipe.HIncrBy(ctx, key, "balance_micros", u.BalanceDelta)
			}
			pipe.HSet(ctx, key, fields)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) Touch(ctx context.Context, deviceID string, at time.Time) error {
	n, err := touchScript.Run(ctx, s.client, []string{s.key(deviceID)}, strconv.FormatInt(store.Millis(at), 10)).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Start(ctx context.Context, deviceID string, now time.Time) (accrual.Record, error) {
	key := s.key(deviceID)
	ms := store.Millis(now)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "balance_micros", 0)
		pipe.HSetNX(ctx, key, "created_at", ms)
		pipe.HSet(ctx, key, map[string]interface{}{
			"is_mining":        "1",
			"is_mining_paused": "0",
			"paused_at":        0,
			"last_update_time": ms,
			"last_active":      ms,
		})
		pipe.SAdd(ctx, s.miningSet(), deviceID)
		return nil
	})
	if err != nil {
		return accrual.Record{}, err
	}
	return s.Get(ctx, deviceID)
}

func (s *Store) Reset(ctx context.Context, deviceID string, now time.Time) (accrual.Record, error) {
	key := s.key(deviceID)
	var row store.Row
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := s.readRow(ctx, tx, deviceID)
		if err != nil {
			return err
		}
		row = store.RowFrom(accrual.ResetRecord(existing.Record(), now))
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, rowFields(row))
			pipe.SRem(ctx, s.miningSet(), deviceID)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return accrual.Record{}, store.ErrConflict
	}
	if err != nil {
		return accrual.Record{}, err
	}
	return row.Record(), nil
}

func (s *Store) ListMining(ctx context.Context) ([]accrual.Record, error) {
	ids, err := s.client.SMembers(ctx, s.miningSet()).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringStringMapCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.key(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var recs []accrual.Record
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		row, err := decodeRow(ids[i], fields)
		if err != nil {
			log.Warnf("Skipping undecodable record %s: %v", ids[i], err)
			continue
		}
		if row.IsMining {
			recs = append(recs, row.Record())
		}
	}
	return recs, nil
}

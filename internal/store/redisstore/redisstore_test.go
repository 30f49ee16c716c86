package redisstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b0ase/path402/apps/minesim/internal/store"
	"github.com/b0ase/path402/apps/minesim/internal/store/storetest"
)

// These tests need a live server: MINESIM_TEST_REDIS=localhost:6379.
func testAddr(t *testing.T) string {
	addr := os.Getenv("MINESIM_TEST_REDIS")
	if addr == "" {
		t.Skip("MINESIM_TEST_REDIS not set")
	}
	return addr
}

func openTest(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, Options{
		Addr:   testAddr(t),
		Prefix: fmt.Sprintf("minesim-test-%d", time.Now().UnixNano()),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		keys, _ := s.client.Keys(ctx, s.prefix+Separator+"*").Result()
		if len(keys) > 0 {
			s.client.Del(ctx, keys...)
		}
	})
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return openTest(t)
	})
}

func TestKeyLayout(t *testing.T) {
	s := &Store{prefix: "p"}
	assert.Equal(t, "p:miner:dev-1", s.key("dev-1"))
	assert.Equal(t, "p:mining", s.miningSet())
}

func TestDecodeRow(t *testing.T) {
	row, err := decodeRow("dev-1", map[string]string{
		"balance_micros":   "11520000",
		"is_mining":        "1",
		"is_mining_paused": "0",
		"last_update_time": "1772366400000",
		"last_active":      "1772366400000",
		"created_at":       "1772366400000",
		"paused_at":        "0",
	})
	require.NoError(t, err)
	assert.Equal(t, "dev-1", row.DeviceID)
	assert.Equal(t, int64(11520000), row.BalanceMicros)
	assert.True(t, row.IsMining)
	assert.False(t, row.IsMiningPaused)
	assert.Equal(t, "11.52", row.Record().Balance.String())
	assert.True(t, row.Record().PausedAt.IsZero())
}

func TestOpen_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Open(ctx, Options{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

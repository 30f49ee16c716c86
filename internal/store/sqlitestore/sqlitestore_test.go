package sqlitestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/b0ase/path402/apps/minesim/internal/store"
	"github.com/b0ase/path402/apps/minesim/internal/store/storetest"
)

func openTestStore(t *testing.T, driver string) store.Store {
	t.Helper()
	s, err := Open(driver, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return s
}

func TestConformance_Cgo(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openTestStore(t, DriverCgo) })
}

func TestConformance_Pure(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openTestStore(t, DriverPure) })
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("postgres", filepath.Join(t.TempDir(), "test.db"))
	require.Error(t, err)
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(DriverCgo, path)
	require.NoError(t, err)
	require.NotNil(t, s.DB())
	require.NoError(t, s.Close())

	s, err = Open(DriverCgo, path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

package sqlite_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/registration-engine/engine"
	"github.com/warp/registration-engine/store/sqlite"
	"github.com/warp/registration-engine/store/storetest"
)

func TestSQLiteStore_InMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) engine.Store {
		st, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		return st
	})
}

func TestSQLiteStore_File(t *testing.T) {
	storetest.Run(t, func(t *testing.T) engine.Store {
		st, err := sqlite.New(filepath.Join(t.TempDir(), "registration.db"))
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		return st
	})
}

func TestSQLiteStore_ReopenKeepsSchema(t *testing.T) {
	// GIVEN: A file database that was already migrated
	// WHEN: It is opened again
	// THEN: Migration is a no-op and data survives

	path := filepath.Join(t.TempDir(), "registration.db")
	st, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, st.SaveItem(t.Context(), engine.InventoryItem{ID: "x", Kind: engine.KindSeries, Status: engine.RegEnabled}))
	require.NoError(t, st.Close())

	st, err = sqlite.New(path)
	require.NoError(t, err)
	defer st.Close()

	item, err := st.GetItem(t.Context(), "x")
	require.NoError(t, err)
	assert.Equal(t, engine.KindSeries, item.Kind)
}

package store

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := sql.Open("sqlite", "file:"+name+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// a single connection serialises writers without SQLITE_LOCKED noise
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T, clock *fakeClock) Store {
		s := NewSQLStore(openTestDB(t), WithClock(clock.Now))
		require.NoError(t, s.Migrate(context.Background()))
		return s
	})
}

func TestSQLStore_MigrateIdempotent(t *testing.T) {
	s := NewSQLStore(openTestDB(t))
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))
}

func TestSQLStore_NilDB(t *testing.T) {
	s := NewSQLStore(nil)
	_, err := s.Get(context.Background(), "x")
	require.Error(t, err)
	require.Error(t, s.Migrate(context.Background()))
}

func TestSQLStore_Rebind(t *testing.T) {
	s := NewSQLStore(nil, WithDollarPlaceholders())
	assert.Equal(t, "UPDATE t SET a = $1 WHERE id = $2 AND v = $3",
		s.rebind("UPDATE t SET a = ? WHERE id = ? AND v = ?"))

	plain := NewSQLStore(nil)
	assert.Equal(t, "SELECT ? ", plain.rebind("SELECT ? "))
}

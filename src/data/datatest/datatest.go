// Package datatest opens throwaway databases for package tests.
package datatest

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/stake-plus/daget/src/data"
)

// NewDB returns a migrated SQLite database in a temp dir. A single connection
// serializes transactions the way row locks would on MySQL or Postgres.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := data.Connect(data.Config{
		Driver: "sqlite",
		DSN:    "file:" + filepath.Join(t.TempDir(), "daget.db"),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, data.Migrate(db))
	t.Cleanup(func() { _ = data.Close(db) })
	return db
}

// NewRedis starts an in-process redis server.
func NewRedis(t testing.TB) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

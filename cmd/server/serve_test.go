package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/commute-matching/internal/config"
	"github.com/example/commute-matching/internal/storage"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestOpenRegistryDefaultsToMemory(t *testing.T) {
	reg, err := openRegistry(context.Background(), config.ServerConfig{}, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryStore{}, reg.store)
	assert.Nil(t, reg.ping)
	assert.NoError(t, reg.close())
}

func TestOpenRegistryRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	reg, err := openRegistry(context.Background(), config.ServerConfig{RedisAddr: mr.Addr()}, quietLogger())
	require.NoError(t, err)
	defer func() { _ = reg.close() }()
	assert.IsType(t, &storage.RedisStore{}, reg.store)
	assert.NoError(t, reg.ping(context.Background()))
}

func TestOpenRegistryRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := openRegistry(context.Background(), config.ServerConfig{RedisAddr: addr}, quietLogger())
	assert.Error(t, err)
}

func TestMigrateRequiresDSN(t *testing.T) {
	t.Setenv("PG_DSN", "")
	cfgPath = ""
	migrateCmd.SetContext(context.Background())
	err := runMigrate(migrateCmd, nil)
	assert.ErrorContains(t, err, "PG_DSN")
}

package cmd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topicbridge/internal/config"
	"github.com/topicbridge/internal/discussion"
	"github.com/topicbridge/internal/mapping"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Port = 8888
	cfg.Server.RequestTimeout = time.Second
	cfg.Database.Driver = config.DriverMemory
	cfg.Forum.URL = "http://forum.invalid"
	cfg.Forum.APIKey = "key"
	cfg.Forum.SystemUser = "system"
	cfg.Identity.URL = "http://members.invalid"
	cfg.Auth.Secret = "secret"
	cfg.Authorization.Timeout = time.Second
	return cfg
}

func TestBuildAppMemory(t *testing.T) {
	a, err := buildApp(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.orchestrator)
	assert.IsType(t, &mapping.InMemoryStore{}, a.store)
	assert.Nil(t, a.jobs)
	assert.NoError(t, a.health(context.Background()))
}

func TestBuildAppSQLite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = config.DriverSQLite
	cfg.Database.URL = filepath.Join(t.TempDir(), "topicbridge.db")

	a, err := buildApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &mapping.SQLiteStore{}, a.store)
	assert.NoError(t, a.health(context.Background()))
}

func TestNewLockerUsesRedisWhenConfigured(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.URL = "redis://" + mr.Addr()

	a := &app{}
	defer a.Close()
	locker, err := newLocker(context.Background(), cfg, a)
	require.NoError(t, err)
	assert.IsType(t, &discussion.RedisLocker{}, locker)

	cfg.Redis.URL = ""
	locker, err = newLocker(context.Background(), cfg, a)
	require.NoError(t, err)
	assert.IsType(t, &discussion.KeyedMutex{}, locker)
}

func TestBuildAppRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "mysql"
	_, err := buildApp(context.Background(), cfg)
	assert.Error(t, err)
}

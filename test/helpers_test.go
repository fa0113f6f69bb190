package test

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"pastelite/cfg"
	"pastelite/pkg/clock"
	"pastelite/svc/api"
	"pastelite/svc/cache"
	"pastelite/svc/db"
	"pastelite/svc/events"
	"pastelite/svc/svc"
	"pastelite/svc/util"
	"sync"
	"testing"
	"time"

	"github.com/joho/godotenv"
)

var (
	envLoadOnce sync.Once
	envLoadErr  error
)

func loadTestEnv() error {
	envLoadOnce.Do(func() {
		paths := []string{
			".env.test",
			"../.env.test",
		}
		for _, p := range paths {
			if absPath, err := filepath.Abs(p); err == nil {
				if _, err := os.Stat(absPath); err == nil {
					envLoadErr = godotenv.Load(absPath)
					return
				}
			}
		}
	})
	return envLoadErr
}

func createTestConfig(t *testing.T) *cfg.Cfg {
	t.Helper()
	if err := loadTestEnv(); err != nil {
		t.Fatalf("load .env.test: %v", err)
	}
	c, err := cfg.Load()
	if err != nil {
		t.Fatalf("cfg.Load: %v", err)
	}
	c.Port = "0"
	c.DatabasePath = filepath.Join(t.TempDir(), "integration.db")
	if err := cfg.Validate(c); err != nil {
		t.Fatalf("cfg.Validate: %v", err)
	}
	util.InitLog(c.LogLevel, false)
	return c
}

func createTestDB(t *testing.T, c *cfg.Cfg) *db.SQLite {
	t.Helper()
	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		t.Fatal(err)
	}
	return sqlDB
}

func createTestTombstones(t *testing.T, size int) *cache.Tombstones {
	t.Helper()
	ts, err := cache.NewTombstones(size)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

type testEnv struct {
	cfg   *cfg.Cfg
	store db.Store
	paste *svc.Paste
	srv   *httptest.Server
}

// setupTestServer wires the same components main does, on top of the given
// store, and serves them over a real listener.
func setupTestServer(t *testing.T, c *cfg.Cfg, store db.Store) *testEnv {
	t.Helper()
	pasteSvc := svc.NewPaste(store, createTestTombstones(t, c.TombstoneCacheSize), clock.New(c.TestMode), events.Noop{}, c)
	ts := httptest.NewServer(api.NewServer(c, pasteSvc))
	t.Cleanup(func() {
		ts.Close()
		pasteSvc.Shutdown()
		store.Close()
	})
	return &testEnv{cfg: c, store: store, paste: pasteSvc, srv: ts}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

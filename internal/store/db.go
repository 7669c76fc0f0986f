package store

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config selects the SQL engine backing the façade. Any of the three
// dialects satisfies the ordered-key-value-with-range-scans-and-
// conditional-writes requirement from spec §1's Non-goals.
type Config struct {
	Driver       string // "sqlite3", "sqlite", "postgres", "mysql"
	DSN          []string
	Debug        bool
	InMemory     bool
	SyncInterval time.Duration
	NoRun        bool // true under test harnesses that never want background goroutines
}

// syncLockPlugin serializes every GORM operation behind an RWMutex so the
// periodic disk-sync snapshot (VACUUM INTO) never races a live write, the
// same discipline internal/db.SyncLockPlugin used.
type syncLockPlugin struct {
	mu *sync.RWMutex
}

func (p *syncLockPlugin) Name() string { return "sync_lock" }

func (p *syncLockPlugin) Initialize(db *gorm.DB) error {
	hooks := []struct {
		register func(string, func(*gorm.DB)) error
	}{
		{db.Callback().Create().Before("*").Register},
		{db.Callback().Query().Before("*").Register},
		{db.Callback().Update().Before("*").Register},
		{db.Callback().Delete().Before("*").Register},
		{db.Callback().Row().Before("*").Register},
		{db.Callback().Raw().Before("*").Register},
	}
	for _, h := range hooks {
		if err := h.register("sync_lock:before", p.lock); err != nil {
			return err
		}
	}
	after := []struct {
		register func(string, func(*gorm.DB)) error
	}{
		{db.Callback().Create().After("*").Register},
		{db.Callback().Query().After("*").Register},
		{db.Callback().Update().After("*").Register},
		{db.Callback().Delete().After("*").Register},
		{db.Callback().Row().After("*").Register},
		{db.Callback().Raw().After("*").Register},
	}
	for _, h := range after {
		if err := h.register("sync_lock:after", p.unlock); err != nil {
			return err
		}
	}
	return nil
}

func (p *syncLockPlugin) lock(db *gorm.DB)   { p.mu.RLock() }
func (p *syncLockPlugin) unlock(db *gorm.DB) { p.mu.RUnlock() }

// openDB opens the underlying GORM connection, optionally as a shared
// in-memory SQLite database backed by periodic VACUUM INTO snapshots to
// disk (spec Non-goals leave the on-disk encoding unspecified; this is
// one valid ordered key-value engine among many).
func openDB(cfg Config) (*gorm.DB, error) {
	dsnStr := strings.Join(cfg.DSN, " ")
	originalDSN := dsnStr

	var dialector gorm.Dialector
	memoryMode := (cfg.Driver == "sqlite3" || cfg.Driver == "sqlite") && cfg.InMemory && !cfg.NoRun
	if memoryMode {
		dsnStr = "file::memory:?cache=shared"
	}

	switch cfg.Driver {
	case "sqlite3", "sqlite":
		dialector = sqlite.Open(dsnStr)
	case "postgres":
		dialector = postgres.Open(dsnStr)
	case "mysql":
		dialector = mysql.Open(dsnStr)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	gormCfg := &gorm.Config{}
	if !cfg.Debug {
		gormCfg.Logger = logger.Default.LogMode(logger.Silent)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if memoryMode {
		mu := &sync.RWMutex{}
		if err := db.Use(&syncLockPlugin{mu: mu}); err != nil {
			return nil, fmt.Errorf("failed to register sync lock plugin: %w", err)
		}

		if originalDSN != "" && originalDSN != ":memory:" {
			if _, err := os.Stat(originalDSN); err == nil {
				if err := loadFromDisk(db, originalDSN); err != nil {
					return nil, fmt.Errorf("failed to load database from disk: %w", err)
				}
			}
		}

		if cfg.SyncInterval > 0 && originalDSN != "" && originalDSN != ":memory:" {
			go backgroundSync(db, originalDSN, cfg.SyncInterval, mu)
		}
	}

	return db, nil
}

func loadFromDisk(db *gorm.DB, path string) error {
	return db.Connection(func(tx *gorm.DB) error {
		if err := tx.Exec(fmt.Sprintf("ATTACH DATABASE '%s' AS disk", path)).Error; err != nil {
			return err
		}
		defer tx.Exec("DETACH DATABASE disk")

		var tables []string
		if err := tx.Raw("SELECT name FROM disk.sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'").Scan(&tables).Error; err != nil {
			return err
		}

		for _, table := range tables {
			tx.Exec(fmt.Sprintf("DROP TABLE IF EXISTS main.%s", table))
			if err := tx.Exec(fmt.Sprintf("CREATE TABLE main.%s AS SELECT * FROM disk.%s", table, table)).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func backgroundSync(db *gorm.DB, path string, interval time.Duration, mu *sync.RWMutex) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		mu.Lock()
		tempPath := path + ".tmp"
		os.Remove(tempPath)

		if err := db.Exec(fmt.Sprintf("VACUUM INTO '%s'", tempPath)).Error; err != nil {
			fmt.Fprintf(os.Stderr, "store: failed to sync in-memory database to disk: %v\n", err)
			mu.Unlock()
			continue
		}

		if err := os.Rename(tempPath, path); err != nil {
			fmt.Fprintf(os.Stderr, "store: failed to rename synced database: %v\n", err)
		}
		mu.Unlock()
	}
}

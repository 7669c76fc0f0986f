// Package db is the minimal GORM connection opener for the two
// subsystems that keep tables outside the Store façade's own database:
// internal/push's Postgres LISTEN/NOTIFY sender connection, and
// internal/dns_cache's DNSOverride table (which in practice AutoMigrates
// onto the façade's already-open connection via Store.Raw(), so New is
// dns_cache's model definition more than its connection path).
//
// The façade's own persistence needs a shared in-memory SQLite mode with
// periodic disk sync to survive process restarts under test harnesses
// (spec §4.1's durability requirement); that feature lives entirely in
// internal/store/db.go, adapted for the commit-point writer it serializes.
// Neither of this package's two callers ever runs in-memory SQLite, so
// that machinery has no home here — New stays a plain multi-dialect
// opener.
package db

import (
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config selects the driver and connection string for an auxiliary
// connection opened outside the Store façade.
type Config struct {
	Driver string // "sqlite3", "sqlite", "postgres", "mysql"
	DSN    []string
	Debug  bool
}

// New opens a GORM connection for the given driver and DSN.
func New(cfg Config) (*gorm.DB, error) {
	dsnStr := strings.Join(cfg.DSN, " ")

	var dialector gorm.Dialector
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
	return db, nil
}

package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const sqlitePrefix = "sqlite://"

// Connect opens the database named by dsn. "sqlite://<path>" selects the
// embedded SQLite driver; anything else is treated as a MySQL DSN, e.g.
// app:apppass@tcp(127.0.0.1:3306)/speaken?charset=utf8mb4&parseTime=true&loc=Local
func Connect(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}

	if path, ok := strings.CutPrefix(dsn, sqlitePrefix); ok {
		if path != ":memory:" && !strings.HasPrefix(path, "file:") {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
			path += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
		}
		gdb, err := gorm.Open(gormsqlite.Open(path), cfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return gdb, nil
	}

	gdb, err := gorm.Open(mysql.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return gdb, nil
}

// Migrate creates or updates the given models' tables.
func Migrate(gdb *gorm.DB, models ...any) error {
	return gdb.AutoMigrate(models...)
}

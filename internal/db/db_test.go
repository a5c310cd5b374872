package db

import (
	"path/filepath"
	"testing"
	"time"
)

type widget struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Name      string
	CreatedAt time.Time
}

func TestConnect_SQLiteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "app.db")
	gdb, err := Connect(sqlitePrefix + path)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := Migrate(gdb, &widget{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := gdb.Create(&widget{Name: "x"}).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}
	var n int64
	if err := gdb.Model(&widget{}).Count(&n).Error; err != nil || n != 1 {
		t.Fatalf("expected one row, got %d err=%v", n, err)
	}
}

package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Direction string

const (
	Outgoing Direction = "out"
	Incoming Direction = "in"
)

type KnownPeer struct {
	ID          string `gorm:"primaryKey"`
	Handle      string
	FirstSeenAt int64
	LastChatAt  int64
	ChatCount   int
}

type ChatMessage struct {
	ID        uint   `gorm:"primaryKey"`
	PeerID    string `gorm:"index;not null"`
	Direction Direction
	Body      string
	SentAt    int64 `gorm:"index"`
}

// Open opens (or creates) the sqlite database at path and migrates it. Use
// ":memory:" for a throwaway database.
func Open(path string) (*gorm.DB, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// sqlite allows one writer, and every ":memory:" connection is its own
	// database.
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if err := db.AutoMigrate(&KnownPeer{}, &ChatMessage{}); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

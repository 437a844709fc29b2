// Package store provides the agent's persistence layer.
//
// All durable state lives in a single SQLite database: cache page metadata,
// the upload work queue, the cached platform session, and per-profile user
// settings. The cache engine, collector, upload engine, and CLI all
// coordinate exclusively through this package; none of them touch the
// database directly.
//
// Thread safety: a Store is safe for concurrent use. It wraps a shared
// connection pool, so copying the handle is cheap.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if necessary) the agent database at path and applies
// pending schema migrations. Set DISABLE_MIGRATIONS=1 to skip migrations
// for repair workflows.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL for concurrent readers with a single writer; busy_timeout so
	// competing writers wait instead of failing with SQLITE_BUSY.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}

	if os.Getenv("DISABLE_MIGRATIONS") == "" {
		if err := s.RunMigrations(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// OpenInMemory opens a throwaway in-memory database. Used by tests.
func OpenInMemory() (*Store, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.RunMigrations(); err != nil {
		return nil, err
	}
	return s, nil
}

// DB returns the underlying gorm handle. Useful for advanced queries and tests.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

package database

import (
	"fmt"
	"sync"

	"github.com/easel-labs/easel-backend/internal/documents"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Store owns the SQLite-backed gorm handle for the live store file. The
// handle can be rebuilt with Reopen after the file is replaced on disk by a
// completed import.
type Store struct {
	mu     sync.RWMutex
	path   string
	db     *gorm.DB
	logger *zap.Logger
}

// OpenSQLite establishes a SQLite connection, performs schema migrations and
// wraps the handle in a reopenable Store.
func OpenSQLite(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := openAndMigrate(path, logger)
	if err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return &Store{path: path, db: db, logger: logger}, nil
}

// DB returns the current gorm handle.
func (s *Store) DB() *gorm.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// Path returns the location of the live store file.
func (s *Store) Path() string {
	return s.path
}

// Reopen closes the current connection and opens a fresh one against the same
// path. Required after the file identity changes underneath the connection.
func (s *Store) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	}

	db, err := openAndMigrate(s.path, s.logger)
	if err != nil {
		return err
	}
	s.db = db

	if s.logger != nil {
		s.logger.Info("database connection reopened", zap.String("path", s.path))
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func openAndMigrate(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&documents.Document{},
		&documents.Collection{},
		&documents.LibraryBlob{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	return db, nil
}

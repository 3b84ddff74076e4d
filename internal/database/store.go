package database

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/furnacehq/furnace/internal/logging"
)

// Store is the PostgreSQL source of truth for users, conversations, messages
// and system entries. It implements memory.Durable.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

// NewStore opens the PostgreSQL pool, validates the connection and migrates
// the schema.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(2)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(
		&userModel{},
		&conversationModel{},
		&messageModel{},
		&systemEntryModel{},
	); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &Store{
		db:  db,
		log: logging.WithComponent("database"),
	}, nil
}

// NewStoreFromDB wraps an already-open gorm handle. Used by tests.
func NewStoreFromDB(db *gorm.DB) *Store {
	return &Store{db: db, log: logging.WithComponent("database")}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

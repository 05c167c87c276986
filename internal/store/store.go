package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

// Store wraps the Postgres connection with the repository methods the
// workers and handlers use.
type Store struct {
	db *sql.DB
}

// New wraps an existing connection (tests inject sqlmock here).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for callers that need raw access.
func (s *Store) DB() *sql.DB { return s.db }

// Open connects to Postgres and configures the pool.
func Open(url string, maxOpen, maxIdle int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Package postgres stores streams in PostgreSQL. The schema is applied with
// golang-migrate from migrations embedded in the binary.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/alfredjeanlab/rivernode/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Options tunes the connection pool. Zero fields take the defaults.
type Options struct {
	MaxOpenConns    int           // default 25
	MaxIdleConns    int           // default 5
	ConnMaxLifetime time.Duration // default 5m
	// SkipMigrations leaves the schema alone, for databases managed
	// by an operator.
	SkipMigrations bool
}

func (o Options) withDefaults() Options {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 25
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = 5
	}
	if o.ConnMaxLifetime <= 0 {
		o.ConnMaxLifetime = 5 * time.Minute
	}
	return o
}

// Store is a store.Store over a database handle. Inside RunInTransaction
// the same type runs on the transaction instead.
type Store struct {
	db *sql.DB  // nil inside a transaction
	ex executor // db or the open transaction
}

var _ store.Store = (*Store)(nil)

// Open connects to databaseURL and brings the schema up to date.
func Open(ctx context.Context, databaseURL string, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if !opts.SkipMigrations {
		if err := migrateUp(db); err != nil {
			db.Close()
			return nil, err
		}
	}
	return NewWithDB(db), nil
}

// NewWithDB wraps an open database as is.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, ex: db}
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	drv, err := pgmigrate.WithInstance(db, &pgmigrate.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateStream and SealMiniblock write several tables, so outside a
// transaction they open one.
func (s *Store) CreateStream(ctx context.Context, id protocol.StreamID, genesis *protocol.Miniblock) error {
	return s.RunInTransaction(ctx, func(tx store.Store) error {
		return queryCreateStream(ctx, tx.(*Store).ex, id, genesis)
	})
}

func (s *Store) SealMiniblock(ctx context.Context, id protocol.StreamID, mb *protocol.Miniblock) error {
	return s.RunInTransaction(ctx, func(tx store.Store) error {
		return querySealMiniblock(ctx, tx.(*Store).ex, id, mb)
	})
}

func (s *Store) AppendEvents(ctx context.Context, id protocol.StreamID, position int64, events []*protocol.Envelope) error {
	return queryAppendEvents(ctx, s.ex, id, position, events)
}

func (s *Store) LoadStream(ctx context.Context, id protocol.StreamID) (*store.StreamData, error) {
	return queryLoadStream(ctx, s.ex, id)
}

func (s *Store) ListStreams(ctx context.Context) ([]protocol.StreamID, error) {
	return queryListStreams(ctx, s.ex)
}

// RunInTransaction commits when fn returns nil and rolls back otherwise.
// Nested calls join the outer transaction.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	if s.db == nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&Store{ex: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

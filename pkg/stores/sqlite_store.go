package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck performs a database health check
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// Get retrieves a single document by id.
func (s *SQLiteStore) Get(ctx context.Context, table, id string) (Document, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}

	var data string
	query := fmt.Sprintf("SELECT data FROM %s WHERE id = ?", table)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s not found: %s: %w", table, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", table, err)
	}

	return Document(data), nil
}

// Persist inserts a new document.
func (s *SQLiteStore) Persist(ctx context.Context, table string, rec Record) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if rec.RecordID() == "" {
		return fmt.Errorf("record id is required")
	}

	data, err := encode(rec)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	query := fmt.Sprintf("INSERT INTO %s (id, data, created_at, updated_at) VALUES (?, ?, ?, ?)", table)
	if _, err := s.db.ExecContext(ctx, query, rec.RecordID(), data, now, now); err != nil {
		return fmt.Errorf("failed to persist %s: %w", table, err)
	}

	return nil
}

// Update replaces the document stored under id.
func (s *SQLiteStore) Update(ctx context.Context, table, id string, rec Record) error {
	if err := checkTable(table); err != nil {
		return err
	}

	data, err := encode(rec)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("UPDATE %s SET data = ?, updated_at = ? WHERE id = ?", table)
	result, err := s.db.ExecContext(ctx, query, data, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", table, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s not found: %s: %w", table, id, ErrNotFound)
	}

	return nil
}

// UpdateWhere replaces every document matching pred with rec. The stored id
// of each row is left untouched.
func (s *SQLiteStore) UpdateWhere(ctx context.Context, table string, pred Predicate, rec Record) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}

	where, args, err := pred.clause()
	if err != nil {
		return 0, err
	}
	data, err := encode(rec)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf("UPDATE %s SET data = ?, updated_at = ? WHERE %s", table, where)
	result, err := s.db.ExecContext(ctx, query, append([]any{data, time.Now().UTC()}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("failed to update %s: %w", table, err)
	}

	return result.RowsAffected()
}

// Search returns every document matching pred, oldest first.
func (s *SQLiteStore) Search(ctx context.Context, table string, pred Predicate) ([]Document, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}

	where, args, err := pred.clause()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT data FROM %s WHERE %s ORDER BY created_at, id", table, where)
	return s.queryDocuments(ctx, table, query, args...)
}

// All returns every document in table, oldest first.
func (s *SQLiteStore) All(ctx context.Context, table string) ([]Document, error) {
	return s.Search(ctx, table, Predicate{})
}

// DeleteWhere removes every document matching pred.
func (s *SQLiteStore) DeleteWhere(ctx context.Context, table string, pred Predicate) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}

	where, args, err := pred.clause()
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE %s", table, where)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
	}

	return result.RowsAffected()
}

// Count returns the number of documents matching pred.
func (s *SQLiteStore) Count(ctx context.Context, table string, pred Predicate) (int, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}

	where, args, err := pred.clause()
	if err != nil {
		return 0, err
	}

	var count int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, where)
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}

	return count, nil
}

// Snapshot writes a consistent copy of the database to dest.
func (s *SQLiteStore) Snapshot(ctx context.Context, dest string) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if strings.ContainsRune(dest, '\'') {
		return fmt.Errorf("invalid snapshot path: %s", dest)
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", dest)); err != nil {
		return fmt.Errorf("failed to snapshot database: %w", err)
	}

	return nil
}

func (s *SQLiteStore) queryDocuments(ctx context.Context, table, query string, args ...any) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", table, err)
		}
		docs = append(docs, Document(data))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", table, err)
	}

	return docs, nil
}

func encode(rec Record) (string, error) {
	if v, ok := rec.(Validator); ok {
		if err := v.Validate(); err != nil {
			return "", fmt.Errorf("invalid record %s: %w", rec.RecordID(), err)
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to encode record %s: %w", rec.RecordID(), err)
	}

	return string(data), nil
}

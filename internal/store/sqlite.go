// ABOUTME: SQLite implementation of the memory provider using modernc.org/sqlite
// ABOUTME: Persists per-device exchanges and assembles the cached context payload

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/aria-gateway/internal/memory"
)

// contextWindow is how many recent exchanges make up a device's context.
const contextWindow = 10

// SQLiteStore persists conversation exchanges and serves as the memory
// collaborator behind the cache.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a store at the given path. The schema is created
// automatically and parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// createSchema creates tables and indexes if they do not exist.
func (s *SQLiteStore) createSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS exchanges (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	hardware_id TEXT NOT NULL,
	prompt TEXT NOT NULL,
	response TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_exchanges_device_time
	ON exchanges(hardware_id, created_at);
`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// FetchContext assembles the device's context from its most recent exchanges,
// oldest first. Returns (nil, nil) when the device has no history yet.
func (s *SQLiteStore) FetchContext(ctx context.Context, hardwareID string) (*memory.Context, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hardware_id, prompt, response, created_at
		FROM exchanges
		WHERE hardware_id = ?
		ORDER BY id DESC
		LIMIT ?`, hardwareID, contextWindow)
	if err != nil {
		return nil, fmt.Errorf("querying exchanges: %w", err)
	}
	defer rows.Close()

	var exchanges []memory.Exchange
	for rows.Next() {
		var ex memory.Exchange
		var createdAt time.Time
		if err := rows.Scan(&ex.HardwareID, &ex.Prompt, &ex.Response, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning exchange: %w", err)
		}
		ex.CreatedAt = createdAt
		exchanges = append(exchanges, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating exchanges: %w", err)
	}

	if len(exchanges) == 0 {
		return nil, nil
	}

	// Query returned newest first; context reads oldest first.
	for i, j := 0, len(exchanges)-1; i < j; i, j = i+1, j-1 {
		exchanges[i], exchanges[j] = exchanges[j], exchanges[i]
	}

	return &memory.Context{
		HardwareID: hardwareID,
		Exchanges:  exchanges,
	}, nil
}

// SaveExchange appends one prompt/response pair for the device.
func (s *SQLiteStore) SaveExchange(ctx context.Context, ex memory.Exchange) error {
	createdAt := ex.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exchanges (hardware_id, prompt, response, created_at)
		VALUES (?, ?, ?, ?)`,
		ex.HardwareID, ex.Prompt, ex.Response, createdAt)
	if err != nil {
		return fmt.Errorf("inserting exchange: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

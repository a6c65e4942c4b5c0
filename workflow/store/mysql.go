package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB-backed CheckpointStore.
//
// Designed for:
//   - Production workflows requiring persistence
//   - Multiple workers sharing one checkpoint database
//   - Audit trails and compliance requirements
//
// Uses connection pooling; safe for concurrent use.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore opens a MySQL checkpoint store.
//
// The DSN format follows github.com/go-sql-driver/mysql:
//
//	user:password@tcp(localhost:3306)/workflows?parseTime=true
//
// Never hardcode credentials; read the DSN from the environment:
//
//	st, err := store.NewMySQLStore(os.Getenv("MYSQL_DSN"))
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			checkpoint_id VARCHAR(255) NOT NULL PRIMARY KEY,
			document JSON NOT NULL,
			created_at TIMESTAMP(6) NOT NULL,
			INDEX idx_checkpoints_created (created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create workflow_checkpoints table: %w", err)
	}
	return nil
}

// Save inserts or replaces a checkpoint document.
func (m *MySQLStore) Save(ctx context.Context, id string, data []byte, createdAt time.Time) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO workflow_checkpoints (checkpoint_id, document, created_at)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE document = VALUES(document), created_at = VALUES(created_at)`,
		id, string(data), createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", id, err)
	}
	return nil
}

// Load retrieves a checkpoint document by ID.
func (m *MySQLStore) Load(ctx context.Context, id string) ([]byte, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	var document string
	err := m.db.QueryRowContext(ctx,
		"SELECT document FROM workflow_checkpoints WHERE checkpoint_id = ?", id,
	).Scan(&document)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", id, err)
	}
	return []byte(document), nil
}

// List returns checkpoint IDs ordered by creation time, oldest first.
func (m *MySQLStore) List(ctx context.Context) ([]string, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx,
		"SELECT checkpoint_id FROM workflow_checkpoints ORDER BY created_at, checkpoint_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes one checkpoint; missing IDs are ignored.
func (m *MySQLStore) Delete(ctx context.Context, id string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if _, err := m.db.ExecContext(ctx,
		"DELETE FROM workflow_checkpoints WHERE checkpoint_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", id, err)
	}
	return nil
}

// Clear removes every stored checkpoint.
func (m *MySQLStore) Clear(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if _, err := m.db.ExecContext(ctx, "DELETE FROM workflow_checkpoints"); err != nil {
		return fmt.Errorf("failed to clear checkpoints: %w", err)
	}
	return nil
}

// Close releases the connection pool. The store is unusable afterward.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

func (m *MySQLStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

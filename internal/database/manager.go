// Package database provides the durable DirectoryStore implementations.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	// ARCHITECTURAL DISCOVERY: Import SQLite driver but only reference in connection string
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"matchboard/internal/logx"
	dbconfig "matchboard/pkg/database"
	"matchboard/pkg/interfaces"
)

// Manager is the SQLite DirectoryStore.
// ARCHITECTURAL DISCOVERY: All writes run on one goroutine, each inside a
// single transaction, so forward and reverse maps never diverge
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	logger       zerolog.Logger
}

type writeOperation struct {
	ctx       context.Context
	operation func(context.Context, *sql.DB) error
	result    chan error
}

// NewManager opens the database, applies pending migrations and starts the
// writer goroutine.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	migrations := dbconfig.NewMigrationManager(db)
	if err := migrations.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("directory schema invalid: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		logger:       logx.Component("sqlite"),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	manager.logger.Info().Str("path", config.DatabasePath).Msg("directory database ready")
	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			op.result <- op.operation(op.ctx, m.db)

		case <-m.shutdown:
			m.logger.Debug().Msg("database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(context.Context, *sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return interfaces.ErrStoreClosed
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.config.WriteTimeout)
	defer cancel()

	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-ctx.Done():
		return fmt.Errorf("write operation not queued: %w", ctx.Err())
	case <-m.shutdown:
		return interfaces.ErrStoreClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return interfaces.ErrStoreClosed
	}
}

// CreateSession upserts every forward entry and appends new members to the
// reverse set in one transaction.
func (m *Manager) CreateSession(ctx context.Context, sessionID string, participants []string) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, participant := range participants {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO participant_sessions (participant_id, session_id, updated_at)
				VALUES (?, ?, CURRENT_TIMESTAMP)
				ON CONFLICT(participant_id) DO UPDATE SET
					session_id = excluded.session_id,
					updated_at = excluded.updated_at
			`, participant, sessionID); err != nil {
				return fmt.Errorf("failed to upsert forward entry for %s: %w", participant, err)
			}

			// FUNCTIONAL DISCOVERY: OR IGNORE keeps the reverse set free of
			// duplicates when a create is redelivered
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO session_members (session_id, participant_id, position)
				VALUES (?, ?, (SELECT COALESCE(MAX(position), -1) + 1 FROM session_members WHERE session_id = ?))
			`, sessionID, participant, sessionID); err != nil {
				return fmt.Errorf("failed to append member %s: %w", participant, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit session creation: %w", err)
		}
		return nil
	})
}

// DeleteSession removes the reverse set and each forward entry still pointing
// at sessionID.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) ([]string, error) {
	var members []string
	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		members = nil

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		members, err = queryMembers(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}

		for _, participant := range members {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM participant_sessions WHERE participant_id = ? AND session_id = ?",
				participant, sessionID,
			); err != nil {
				return fmt.Errorf("failed to delete forward entry for %s: %w", participant, err)
			}
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM session_members WHERE session_id = ?", sessionID); err != nil {
			return fmt.Errorf("failed to delete members: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit session deletion: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

// LookupSession reads the forward map.
// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
func (m *Manager) LookupSession(ctx context.Context, participant string) (string, error) {
	var sessionID string
	err := m.db.QueryRowContext(ctx,
		"SELECT session_id FROM participant_sessions WHERE participant_id = ?", participant,
	).Scan(&sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", interfaces.ErrSessionNotFound
		}
		return "", fmt.Errorf("failed to query participant: %w", err)
	}
	return sessionID, nil
}

// Members reads the reverse map in insertion order.
func (m *Manager) Members(ctx context.Context, sessionID string) ([]string, error) {
	return queryMembers(ctx, m.db, sessionID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func queryMembers(ctx context.Context, q queryer, sessionID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT participant_id FROM session_members WHERE session_id = ? ORDER BY position", sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var members []string
	for rows.Next() {
		var participant string
		if err := rows.Scan(&participant); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, participant)
	}
	return members, rows.Err()
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM session_members").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection for schema validation
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

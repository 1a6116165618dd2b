package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/insight-chat/internal/domain"
	"github.com/ashureev/insight-chat/internal/shared"
)

const (
	saveMaxRetries = 3
	saveBaseDelay  = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets history reads proceed while a block is being written.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS context_blocks (
		block_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		block_type TEXT NOT NULL,
		user_request TEXT NOT NULL,
		assistant_response TEXT NOT NULL,
		generated_query TEXT,
		execution_result_json TEXT,
		status TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_context_blocks_user_created
		ON context_blocks(user_id, created_at DESC);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, user.LastSeenAt.Unix(),
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// GetRecentBlocks returns up to limit blocks for userID, most recent first.
func (s *SQLiteStore) GetRecentBlocks(ctx context.Context, userID string, limit int) ([]*domain.ContextBlock, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
		SELECT block_id, user_id, created_at, block_type, user_request,
		       assistant_response, generated_query, execution_result_json, status
		FROM context_blocks
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent blocks: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close recent blocks rows", "error", closeErr)
		}
	}()

	var blocks []*domain.ContextBlock
	for rows.Next() {
		var (
			b         domain.ContextBlock
			createdAt int64
			genQuery  sql.NullString
			resultRaw sql.NullString
		)
		if err := rows.Scan(
			&b.BlockID, &b.UserID, &createdAt, &b.BlockType, &b.UserRequest,
			&b.AssistantResponse, &genQuery, &resultRaw, &b.Status,
		); err != nil {
			return nil, fmt.Errorf("scan context block row: %w", err)
		}
		b.Timestamp = time.Unix(0, createdAt).UTC()
		b.GeneratedQuery = genQuery.String
		if resultRaw.Valid && resultRaw.String != "" {
			var er domain.ExecutionResult
			if err := json.Unmarshal([]byte(resultRaw.String), &er); err != nil {
				return nil, fmt.Errorf("decode execution result of block %s: %w", b.BlockID, err)
			}
			b.ExecutionResult = &er
		}
		blocks = append(blocks, &b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate context blocks: %w", err)
	}
	return blocks, nil
}

// SaveBlock persists a terminal block. Lock conflicts are retried with
// exponential backoff; a block id can only be written once.
func (s *SQLiteStore) SaveBlock(ctx context.Context, block *domain.ContextBlock) error {
	if !block.Status.IsTerminal() {
		return fmt.Errorf("save block %s (%s): %w", block.BlockID, block.Status, ErrBlockNotTerminal)
	}

	var resultJSON any
	if block.ExecutionResult != nil {
		data, err := json.Marshal(block.ExecutionResult)
		if err != nil {
			return fmt.Errorf("encode execution result: %w", err)
		}
		resultJSON = string(data)
	}
	var generated any
	if block.GeneratedQuery != "" {
		generated = block.GeneratedQuery
	}

	var err error
	for i := 0; i < saveMaxRetries; i++ {
		err = s.insertBlock(ctx, block, generated, resultJSON)
		if err == nil {
			return nil
		}
		if shared.IsSQLiteUniqueError(err) {
			return fmt.Errorf("save block %s: %w", block.BlockID, ErrDuplicateBlock)
		}
		if !shared.IsSQLiteConflictError(err) || i == saveMaxRetries-1 {
			break
		}
		delay := saveBaseDelay * time.Duration(1<<i)
		slog.Debug("SaveBlock hit a lock conflict, retrying",
			"block_id", block.BlockID,
			"attempt", i+1,
			"delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("save block %s: %w", block.BlockID, err)
}

func (s *SQLiteStore) insertBlock(ctx context.Context, b *domain.ContextBlock, generated, resultJSON any) error {
	query := `
		INSERT INTO context_blocks (
			block_id, user_id, created_at, block_type, user_request,
			assistant_response, generated_query, execution_result_json, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		b.BlockID, b.UserID, b.Timestamp.UnixNano(), string(b.BlockType), b.UserRequest,
		b.AssistantResponse, generated, resultJSON, string(b.Status),
	)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

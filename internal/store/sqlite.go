package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tributary-ai/crew-core/internal/types"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists tracked requests and memories in a SQLite
// database. WAL mode is enabled for concurrent reads.
type SQLiteStore struct {
	conn *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS workflow_requests (
	id            TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	input         TEXT NOT NULL DEFAULT '',
	poll_count    INTEGER NOT NULL DEFAULT 0,
	response      TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	actual_cost   REAL NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL,
	expires_at    TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_workflow_requests_status ON workflow_requests(status);

CREATE TABLE IF NOT EXISTS memories (
	id         TEXT PRIMARY KEY,
	crew_id    TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	content    TEXT NOT NULL,
	tags       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_crew ON memories(crew_id);
`

// OpenSQLite opens (and migrates) a SQLite store at the given path. The
// parent directory is created if missing.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) InsertRequest(ctx context.Context, req *types.TrackedRequest) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO workflow_requests
			(id, status, input, poll_count, response, error_message, duration_ms, actual_cost, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, string(req.Status), req.Input, req.PollCount, req.Response, req.ErrorMessage,
		req.Duration.Milliseconds(), req.ActualCost, req.CreatedAt, req.UpdatedAt, req.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*types.TrackedRequest, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, status, input, poll_count, response, error_message, duration_ms, actual_cost, created_at, updated_at, expires_at
		FROM workflow_requests WHERE id = ?`, id)
	return scanRequest(row)
}

func (s *SQLiteStore) UpdateRequest(ctx context.Context, req *types.TrackedRequest) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE workflow_requests
		SET status = ?, poll_count = ?, response = ?, error_message = ?, duration_ms = ?, actual_cost = ?, updated_at = ?
		WHERE id = ?`,
		string(req.Status), req.PollCount, req.Response, req.ErrorMessage,
		req.Duration.Milliseconds(), req.ActualCost, time.Now().UTC(), req.ID)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) DeleteRequest(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM workflow_requests WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) ActiveRequests(ctx context.Context) ([]*types.TrackedRequest, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, status, input, poll_count, response, error_message, duration_ms, actual_cost, created_at, updated_at, expires_at
		FROM workflow_requests WHERE status IN (?, ?) ORDER BY id`,
		string(types.StatusPending), string(types.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("query active requests: %w", err)
	}
	defer rows.Close()

	var active []*types.TrackedRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		active = append(active, req)
	}
	return active, rows.Err()
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.conn.ExecContext(ctx, `
		DELETE FROM workflow_requests
		WHERE status IN (?, ?) AND expires_at IS NOT NULL AND expires_at < ?`,
		string(types.StatusPending), string(types.StatusRunning), now)
	if err != nil {
		return 0, fmt.Errorf("delete expired requests: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) InsertMemory(ctx context.Context, m *Memory) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO memories (id, crew_id, user_id, content, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.CrewID, m.UserID, m.Content, strings.Join(m.Tags, ","), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) QueryMemories(ctx context.Context, q MemoryQuery) ([]*Memory, error) {
	query := `SELECT id, crew_id, user_id, content, tags, created_at FROM memories`
	var args []interface{}
	if q.CrewID != "" {
		query += ` WHERE crew_id = ?`
		args = append(args, q.CrewID)
	}
	query += ` ORDER BY created_at DESC, id`
	// Tag filtering happens in Go, so a tagged query must scan all crew
	// rows; the limit is applied in SQL only when no tag is requested.
	if q.Limit > 0 && q.Tag == "" {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var results []*Memory
	for rows.Next() {
		var m Memory
		var tags string
		if err := rows.Scan(&m.ID, &m.CrewID, &m.UserID, &m.Content, &tags, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if tags != "" {
			m.Tags = strings.Split(tags, ",")
		}
		if q.Tag != "" && !hasTag(&m, q.Tag) {
			continue
		}
		results = append(results, &m)
		if q.Limit > 0 && len(results) == q.Limit {
			break
		}
	}
	return results, rows.Err()
}

func (s *SQLiteStore) DeleteMemory(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*types.TrackedRequest, error) {
	var req types.TrackedRequest
	var status string
	var durationMs int64
	err := row.Scan(&req.ID, &status, &req.Input, &req.PollCount, &req.Response, &req.ErrorMessage,
		&durationMs, &req.ActualCost, &req.CreatedAt, &req.UpdatedAt, &req.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan request: %w", err)
	}
	req.Status = types.RequestStatus(status)
	req.Duration = time.Duration(durationMs) * time.Millisecond
	return &req, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"streamhub/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	role TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS follows (
	follower_id TEXT NOT NULL,
	followee_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (follower_id, followee_id)
);
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	publisher_id TEXT NOT NULL,
	publisher_name TEXT NOT NULL,
	status TEXT NOT NULL,
	member_peak INTEGER NOT NULL DEFAULT 0,
	key_digest TEXT,
	created_at TEXT NOT NULL,
	started_at TEXT,
	ended_at TEXT
);
CREATE TABLE IF NOT EXISTS chat_messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	display_name TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, created_at);
CREATE TABLE IF NOT EXISTS reactions (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	display_name TEXT NOT NULL,
	emoji TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reactions_session ON reactions(session_id, created_at);
`

// SQLiteRepository persists the archive to an embedded SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

// SQLiteConfig configures the SQLite-backed archive.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
}

// NewSQLiteRepository opens (or creates) the SQLite archive at cfg.Path and
// applies the schema.
func NewSQLiteRepository(cfg SQLiteConfig) (*SQLiteRepository, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) SaveUser(ctx context.Context, user models.User) error {
	if user.ID == "" {
		return fmt.Errorf("user id is required")
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users(id, display_name, role, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET display_name=excluded.display_name, role=excluded.role`,
		user.ID, user.DisplayName, string(user.Role), user.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (r *SQLiteRepository) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, display_name, role, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		var role, createdAt string
		if err := rows.Scan(&u.ID, &u.DisplayName, &role, &createdAt); err != nil {
			return nil, err
		}
		u.Role = models.Role(role)
		u.CreatedAt = parseTimestamp(createdAt)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *SQLiteRepository) SaveFollow(ctx context.Context, edge models.FollowEdge) error {
	if edge.FollowerID == "" || edge.FolloweeID == "" {
		return fmt.Errorf("follower and followee ids are required")
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO follows(follower_id, followee_id, created_at) VALUES(?,?,?)
		 ON CONFLICT(follower_id, followee_id) DO NOTHING`,
		edge.FollowerID, edge.FolloweeID, edge.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (r *SQLiteRepository) DeleteFollow(ctx context.Context, followerID, followeeID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM follows WHERE follower_id = ? AND followee_id = ?`,
		followerID, followeeID,
	)
	return err
}

func (r *SQLiteRepository) ListFollows(ctx context.Context) ([]models.FollowEdge, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT follower_id, followee_id, created_at FROM follows`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []models.FollowEdge
	for rows.Next() {
		var edge models.FollowEdge
		var createdAt string
		if err := rows.Scan(&edge.FollowerID, &edge.FolloweeID, &createdAt); err != nil {
			return nil, err
		}
		edge.CreatedAt = parseTimestamp(createdAt)
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

func (r *SQLiteRepository) ArchiveSession(ctx context.Context, record SessionRecord) error {
	if record.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions(id, publisher_id, publisher_name, status, member_peak, key_digest, created_at, started_at, ended_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, member_peak=excluded.member_peak, ended_at=excluded.ended_at`,
		record.SessionID, record.PublisherID, record.PublisherName, string(record.Status),
		record.MemberPeak, nullString(record.KeyDigest),
		record.CreatedAt.UTC().Format(time.RFC3339Nano),
		nullTimestamp(record.StartedAt), nullTimestamp(record.EndedAt),
	)
	return err
}

func (r *SQLiteRepository) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	query := `SELECT id, publisher_id, publisher_name, status, member_peak, key_digest, created_at, started_at, ended_at
		FROM sessions ORDER BY created_at DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+` LIMIT ?`, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var status, createdAt string
		var keyDigest, startedAt, endedAt sql.NullString
		if err := rows.Scan(&rec.SessionID, &rec.PublisherID, &rec.PublisherName, &status,
			&rec.MemberPeak, &keyDigest, &createdAt, &startedAt, &endedAt); err != nil {
			return nil, err
		}
		rec.Status = models.SessionStatus(status)
		rec.KeyDigest = keyDigest.String
		rec.CreatedAt = parseTimestamp(createdAt)
		rec.StartedAt = parseNullTimestamp(startedAt)
		rec.EndedAt = parseNullTimestamp(endedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *SQLiteRepository) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	encoded := cutoff.UTC().Format(time.RFC3339Nano)
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM chat_messages WHERE session_id IN (SELECT id FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?)`,
		encoded,
	); err != nil {
		return 0, err
	}
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM reactions WHERE session_id IN (SELECT id FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?)`,
		encoded,
	); err != nil {
		return 0, err
	}
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?`,
		encoded,
	)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (r *SQLiteRepository) SaveChatMessage(ctx context.Context, msg models.ChatMessage) error {
	if msg.ID == "" {
		return fmt.Errorf("message id is required")
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO chat_messages(id, session_id, user_id, display_name, content, created_at)
		 VALUES(?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		msg.ID, msg.SessionID, msg.UserID, msg.DisplayName, msg.Content,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (r *SQLiteRepository) ListChatMessages(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	query := `SELECT id, session_id, user_id, display_name, content, created_at
		FROM chat_messages WHERE session_id = ? ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.ChatMessage
	for rows.Next() {
		var msg models.ChatMessage
		var createdAt string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.UserID, &msg.DisplayName, &msg.Content, &createdAt); err != nil {
			return nil, err
		}
		msg.CreatedAt = parseTimestamp(createdAt)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

func (r *SQLiteRepository) SaveReaction(ctx context.Context, reaction models.Reaction) error {
	if reaction.ID == "" {
		return fmt.Errorf("reaction id is required")
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO reactions(id, session_id, user_id, display_name, emoji, created_at)
		 VALUES(?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		reaction.ID, reaction.SessionID, reaction.UserID, reaction.DisplayName, reaction.Emoji,
		reaction.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (r *SQLiteRepository) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM users`, &stats.Users},
		{`SELECT COUNT(*) FROM follows`, &stats.Follows},
		{`SELECT COUNT(*) FROM sessions`, &stats.Sessions},
		{`SELECT COUNT(*) FROM chat_messages`, &stats.ChatMessages},
		{`SELECT COUNT(*) FROM reactions`, &stats.Reactions},
	}
	for _, c := range counts {
		if err := r.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return Stats{}, err
		}
	}
	return stats, nil
}

func (r *SQLiteRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func parseTimestamp(raw string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func parseNullTimestamp(raw sql.NullString) *time.Time {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	ts := parseTimestamp(raw.String)
	if ts.IsZero() {
		return nil
	}
	return &ts
}

func nullTimestamp(ts *time.Time) interface{} {
	if ts == nil {
		return nil
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

var _ Repository = (*SQLiteRepository)(nil)

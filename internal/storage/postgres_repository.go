package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"streamhub/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	role TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS follows (
	follower_id TEXT NOT NULL,
	followee_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (follower_id, followee_id)
);
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	publisher_id TEXT NOT NULL,
	publisher_name TEXT NOT NULL,
	status TEXT NOT NULL,
	member_peak INTEGER NOT NULL DEFAULT 0,
	key_digest TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	ended_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS chat_messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	display_name TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, created_at);
CREATE TABLE IF NOT EXISTS reactions (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	display_name TEXT NOT NULL,
	emoji TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reactions_session ON reactions(session_id, created_at);
`

// PostgresConfig configures the Postgres-backed archive.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
	ApplicationName string
}

// PostgresRepository persists the archive to Postgres through a pgx pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository opens a Postgres-backed archive and applies the
// schema.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &PostgresRepository{pool: pool}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}
	return repo, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) SaveUser(ctx context.Context, user models.User) error {
	if user.ID == "" {
		return fmt.Errorf("user id is required")
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users(id, display_name, role, created_at) VALUES($1,$2,$3,$4)
		 ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, role = EXCLUDED.role`,
		user.ID, user.DisplayName, string(user.Role), user.CreatedAt.UTC(),
	)
	return err
}

func (r *PostgresRepository) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, display_name, role, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		var role string
		if err := rows.Scan(&u.ID, &u.DisplayName, &role, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Role = models.Role(role)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *PostgresRepository) SaveFollow(ctx context.Context, edge models.FollowEdge) error {
	if edge.FollowerID == "" || edge.FolloweeID == "" {
		return fmt.Errorf("follower and followee ids are required")
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO follows(follower_id, followee_id, created_at) VALUES($1,$2,$3)
		 ON CONFLICT (follower_id, followee_id) DO NOTHING`,
		edge.FollowerID, edge.FolloweeID, edge.CreatedAt.UTC(),
	)
	return err
}

func (r *PostgresRepository) DeleteFollow(ctx context.Context, followerID, followeeID string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM follows WHERE follower_id = $1 AND followee_id = $2`,
		followerID, followeeID,
	)
	return err
}

func (r *PostgresRepository) ListFollows(ctx context.Context) ([]models.FollowEdge, error) {
	rows, err := r.pool.Query(ctx, `SELECT follower_id, followee_id, created_at FROM follows`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []models.FollowEdge
	for rows.Next() {
		var edge models.FollowEdge
		if err := rows.Scan(&edge.FollowerID, &edge.FolloweeID, &edge.CreatedAt); err != nil {
			return nil, err
		}
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

func (r *PostgresRepository) ArchiveSession(ctx context.Context, record SessionRecord) error {
	if record.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sessions(id, publisher_id, publisher_name, status, member_peak, key_digest, created_at, started_at, ended_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, member_peak = EXCLUDED.member_peak, ended_at = EXCLUDED.ended_at`,
		record.SessionID, record.PublisherID, record.PublisherName, string(record.Status),
		record.MemberPeak, nullString(record.KeyDigest), record.CreatedAt.UTC(),
		record.StartedAt, record.EndedAt,
	)
	return err
}

func (r *PostgresRepository) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	query := `SELECT id, publisher_id, publisher_name, status, member_peak, COALESCE(key_digest, ''), created_at, started_at, ended_at
		FROM sessions ORDER BY created_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var status string
		if err := rows.Scan(&rec.SessionID, &rec.PublisherID, &rec.PublisherName, &status,
			&rec.MemberPeak, &rec.KeyDigest, &rec.CreatedAt, &rec.StartedAt, &rec.EndedAt); err != nil {
			return nil, err
		}
		rec.Status = models.SessionStatus(status)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *PostgresRepository) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if _, err := r.pool.Exec(ctx,
		`DELETE FROM chat_messages WHERE session_id IN (SELECT id FROM sessions WHERE ended_at IS NOT NULL AND ended_at < $1)`,
		cutoff.UTC(),
	); err != nil {
		return 0, err
	}
	if _, err := r.pool.Exec(ctx,
		`DELETE FROM reactions WHERE session_id IN (SELECT id FROM sessions WHERE ended_at IS NOT NULL AND ended_at < $1)`,
		cutoff.UTC(),
	); err != nil {
		return 0, err
	}
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < $1`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresRepository) SaveChatMessage(ctx context.Context, msg models.ChatMessage) error {
	if msg.ID == "" {
		return fmt.Errorf("message id is required")
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO chat_messages(id, session_id, user_id, display_name, content, created_at)
		 VALUES($1,$2,$3,$4,$5,$6) ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.SessionID, msg.UserID, msg.DisplayName, msg.Content, msg.CreatedAt.UTC(),
	)
	return err
}

func (r *PostgresRepository) ListChatMessages(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, user_id, display_name, content, created_at
		 FROM chat_messages WHERE session_id = $1 ORDER BY created_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.ChatMessage
	for rows.Next() {
		var msg models.ChatMessage
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.UserID, &msg.DisplayName, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
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

func (r *PostgresRepository) SaveReaction(ctx context.Context, reaction models.Reaction) error {
	if reaction.ID == "" {
		return fmt.Errorf("reaction id is required")
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO reactions(id, session_id, user_id, display_name, emoji, created_at)
		 VALUES($1,$2,$3,$4,$5,$6) ON CONFLICT (id) DO NOTHING`,
		reaction.ID, reaction.SessionID, reaction.UserID, reaction.DisplayName, reaction.Emoji, reaction.CreatedAt.UTC(),
	)
	return err
}

func (r *PostgresRepository) Stats(ctx context.Context) (Stats, error) {
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
		if err := r.pool.QueryRow(ctx, c.query).Scan(c.dest); err != nil {
			return Stats{}, err
		}
	}
	return stats, nil
}

func (r *PostgresRepository) Close() error {
	if r == nil || r.pool == nil {
		return nil
	}
	r.pool.Close()
	return nil
}

var _ Repository = (*PostgresRepository)(nil)

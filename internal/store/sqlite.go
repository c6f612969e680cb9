package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/interviewkit/coachchat/internal/domain"
	"github.com/interviewkit/coachchat/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeRetries   = 3
	writeRetryBase = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
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
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS credentials (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		token TEXT NOT NULL,
		user_id INTEGER NOT NULL,
		email TEXT NOT NULL,
		display_name TEXT NOT NULL,
		saved_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		mode TEXT NOT NULL,
		expected_questions INTEGER NOT NULL DEFAULT 0,
		asked_questions INTEGER NOT NULL DEFAULT 0,
		completed_questions INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		is_active INTEGER NOT NULL DEFAULT 1,
		completed INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		server_id INTEGER,
		session_id INTEGER NOT NULL,
		origin TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
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

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveCredential stores the auth token and profile, replacing any previous
// credential.
func (s *SQLiteStore) SaveCredential(ctx context.Context, cred *domain.Credential) error {
	query := `
		INSERT INTO credentials (id, token, user_id, email, display_name, saved_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			token = excluded.token,
			user_id = excluded.user_id,
			email = excluded.email,
			display_name = excluded.display_name,
			saved_at = excluded.saved_at`

	return shared.RetrySQLite(ctx, writeRetries, writeRetryBase, func() error {
		_, err := s.db.ExecContext(ctx, query,
			cred.Token, cred.User.ID, cred.User.Email, cred.User.DisplayName, cred.SavedAt.Unix())
		if err != nil {
			return fmt.Errorf("save credential: %w", err)
		}
		return nil
	})
}

// Credential returns the stored credential, or nil if none is saved.
func (s *SQLiteStore) Credential(ctx context.Context) (*domain.Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token, user_id, email, display_name, saved_at FROM credentials WHERE id = 1`)

	var cred domain.Credential
	var savedAt int64
	err := row.Scan(&cred.Token, &cred.User.ID, &cred.User.Email, &cred.User.DisplayName, &savedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan credential row: %w", err)
	}
	cred.SavedAt = time.Unix(savedAt, 0)
	return &cred, nil
}

// ClearCredential removes the stored credential.
func (s *SQLiteStore) ClearCredential(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = 1`); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

// UpsertSession creates or updates a cached session record.
func (s *SQLiteStore) UpsertSession(ctx context.Context, sess *domain.Session) error {
	query := `
		INSERT INTO sessions (session_id, user_id, title, mode,
			expected_questions, asked_questions, completed_questions,
			started_at, ended_at, is_active, completed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			title = excluded.title,
			asked_questions = excluded.asked_questions,
			completed_questions = excluded.completed_questions,
			ended_at = excluded.ended_at,
			is_active = excluded.is_active,
			completed = excluded.completed`

	var endedAt sql.NullInt64
	if sess.EndedAt != nil {
		endedAt = sql.NullInt64{Int64: sess.EndedAt.Unix(), Valid: true}
	}

	return shared.RetrySQLite(ctx, writeRetries, writeRetryBase, func() error {
		_, err := s.db.ExecContext(ctx, query,
			sess.ID, sess.UserID, sess.Title, sess.Mode,
			sess.ExpectedQuestionCount, sess.AskedQuestionCount, sess.CompletedQuestionCount,
			sess.StartedAt.Unix(), endedAt, boolToInt(sess.IsActive), boolToInt(sess.Completed))
		if err != nil {
			return fmt.Errorf("upsert session %d: %w", sess.ID, err)
		}
		return nil
	})
}

// Sessions lists cached sessions, most recently started first.
func (s *SQLiteStore) Sessions(ctx context.Context) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, title, mode,
		       expected_questions, asked_questions, completed_questions,
		       started_at, ended_at, is_active, completed
		FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Session
	for rows.Next() {
		var sess domain.Session
		var startedAt int64
		var endedAt sql.NullInt64
		var isActive, completed int
		err := rows.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.Mode,
			&sess.ExpectedQuestionCount, &sess.AskedQuestionCount, &sess.CompletedQuestionCount,
			&startedAt, &endedAt, &isActive, &completed)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess.StartedAt = time.Unix(startedAt, 0)
		if endedAt.Valid {
			t := time.Unix(endedAt.Int64, 0)
			sess.EndedAt = &t
		}
		sess.IsActive = isActive != 0
		sess.Completed = completed != 0
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// MarkSessionCompleted flips the cached session to completed/inactive.
func (s *SQLiteStore) MarkSessionCompleted(ctx context.Context, sessionID int64) error {
	return shared.RetrySQLite(ctx, writeRetries, writeRetryBase, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET completed = 1, is_active = 0 WHERE session_id = ?`, sessionID)
		if err != nil {
			return fmt.Errorf("mark session %d completed: %w", sessionID, err)
		}
		return nil
	})
}

// AppendMessage caches one transcript message.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m *domain.Message) error {
	query := `
		INSERT INTO messages (server_id, session_id, origin, text, created_at)
		VALUES (?, ?, ?, ?, ?)`

	var serverID sql.NullInt64
	if m.ID != 0 {
		serverID = sql.NullInt64{Int64: m.ID, Valid: true}
	}

	return shared.RetrySQLite(ctx, writeRetries, writeRetryBase, func() error {
		_, err := s.db.ExecContext(ctx, query,
			serverID, m.SessionID, string(m.Type), m.Text, m.CreatedAt.Unix())
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		return nil
	})
}

// Messages returns the cached transcript for a session in arrival order.
func (s *SQLiteStore) Messages(ctx context.Context, sessionID int64) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(server_id, 0), session_id, origin, text, created_at
		FROM messages WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var origin string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.SessionID, &origin, &m.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Type = domain.MessageOrigin(origin)
		m.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}

// PruneMessages drops cached messages older than the retention window.
func (s *SQLiteStore) PruneMessages(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

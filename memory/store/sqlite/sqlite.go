// Package sqlite implements the durable memory.Store on SQLite.
// Vectors are stored as JSON float arrays; message ordinals are
// assigned inside the INSERT and backed by a uniqueness constraint.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/coreonhq/coreon-go/core"
	"github.com/coreonhq/coreon-go/memory"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	title          TEXT NOT NULL,
	created_at     TIMESTAMP NOT NULL,
	last_active_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	model      TEXT,
	created_at TIMESTAMP NOT NULL,
	UNIQUE (session_id, seq)
);

CREATE TABLE IF NOT EXISTS embeddings (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id INTEGER NOT NULL UNIQUE REFERENCES messages(id) ON DELETE CASCADE,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	model      TEXT NOT NULL,
	vector     TEXT NOT NULL,
	position   INTEGER,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, seq);
CREATE INDEX IF NOT EXISTS idx_embeddings_session ON embeddings (session_id);
`

// Store persists sessions, messages and embeddings in one SQLite
// database file.
type Store struct {
	db *sql.DB
}

var _ memory.Store = (*Store)(nil)

// Open opens the database at path, creating it and its schema if
// needed. ":memory:" gives a throwaway store.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; a second connection would only trip the
	// busy timeout (and would see a different database for :memory:).
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a session row. An empty id generates a UUID; an
// empty title falls back to memory.DefaultSessionTitle.
func (s *Store) CreateSession(ctx context.Context, id, title string) (core.Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if title == "" {
		title = memory.DefaultSessionTitle
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, created_at, last_active_at) VALUES (?, ?, ?, ?)`,
		id, title, now, now)
	if err != nil {
		return core.Session{}, fmt.Errorf("create session: %w", err)
	}
	log.Printf("[SQLITE] Created session %s (%q)", id, title)
	return core.Session{ID: id, Title: title, CreatedAt: now, LastActiveAt: now}, nil
}

// GetSession returns the session or memory.ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (core.Session, error) {
	var sess core.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, last_active_at FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Session{}, fmt.Errorf("session %s: %w", id, memory.ErrSessionNotFound)
	}
	if err != nil {
		return core.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns all sessions, most recently active first.
func (s *Store) ListSessions(ctx context.Context) ([]core.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, last_active_at FROM sessions ORDER BY last_active_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []core.Session
	for rows.Next() {
		var sess core.Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.LastActiveAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// TouchSession advances the session's last-active time.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_active_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, memory.ErrSessionNotFound)
	}
	return nil
}

// DeleteSession removes the session row; messages and embeddings go
// with it through the cascading foreign keys.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, memory.ErrSessionNotFound)
	}
	log.Printf("[SQLITE] Deleted session %s", id)
	return nil
}

// AppendMessage inserts msg at the session's next ordinal. The ordinal
// is assigned inside the INSERT so two writers cannot mint the same
// seq; UNIQUE(session_id, seq) backs that up.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg core.Message) (core.Message, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, seq, role, content, model, created_at)
		VALUES (?, (SELECT COALESCE(MAX(seq) + 1, 0) FROM messages WHERE session_id = ?), ?, ?, ?, ?)`,
		sessionID, sessionID, msg.Role, msg.Content, nullable(msg.Model), now)
	if err != nil {
		return core.Message{}, fmt.Errorf("append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return core.Message{}, fmt.Errorf("append message id: %w", err)
	}

	stored := msg
	stored.ID = id
	stored.SessionID = sessionID
	stored.CreatedAt = now
	err = s.db.QueryRowContext(ctx, `SELECT seq FROM messages WHERE id = ?`, id).Scan(&stored.Seq)
	if err != nil {
		return core.Message{}, fmt.Errorf("read back seq: %w", err)
	}
	return stored, nil
}

// Messages returns the session's messages ordered by seq.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]core.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, role, content, COALESCE(model, ''), created_at
		FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []core.Message
	for rows.Next() {
		var m core.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &m.Model, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageAt returns the message at the given ordinal.
func (s *Store) MessageAt(ctx context.Context, sessionID string, seq int) (core.Message, error) {
	var m core.Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, seq, role, content, COALESCE(model, ''), created_at
		FROM messages WHERE session_id = ? AND seq = ?`, sessionID, seq).
		Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &m.Model, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Message{}, fmt.Errorf("no message at position %d in session %s", seq, sessionID)
	}
	if err != nil {
		return core.Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// MessageCount returns the number of messages in the session.
func (s *Store) MessageCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// SaveEmbedding stores the embedding record for a message.
func (s *Store) SaveEmbedding(ctx context.Context, emb core.Embedding) (core.Embedding, error) {
	vec, err := json.Marshal(emb.Vector)
	if err != nil {
		return core.Embedding{}, fmt.Errorf("marshal vector: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (message_id, session_id, model, vector, position, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		emb.MessageID, emb.SessionID, emb.Model, string(vec), emb.Position, now)
	if err != nil {
		return core.Embedding{}, fmt.Errorf("save embedding: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return core.Embedding{}, fmt.Errorf("save embedding id: %w", err)
	}

	stored := emb
	stored.ID = id
	stored.CreatedAt = now
	return stored, nil
}

// Embeddings returns the session's embeddings ordered by their
// message's position, which is the order indexes are rebuilt in.
func (s *Store) Embeddings(ctx context.Context, sessionID string) ([]core.Embedding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.message_id, e.session_id, e.model, e.vector, COALESCE(e.position, -1), e.created_at
		FROM embeddings e
		JOIN messages m ON m.id = e.message_id
		WHERE e.session_id = ?
		ORDER BY m.seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()

	var embs []core.Embedding
	for rows.Next() {
		var e core.Embedding
		var vec string
		if err := rows.Scan(&e.ID, &e.MessageID, &e.SessionID, &e.Model, &vec, &e.Position, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		if err := json.Unmarshal([]byte(vec), &e.Vector); err != nil {
			return nil, fmt.Errorf("decode vector for message %d: %w", e.MessageID, err)
		}
		embs = append(embs, e)
	}
	return embs, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/chatline/internal/ids"
	"github.com/eldtechnologies/chatline/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB

	// SQLite allows a single writer; appends take created_at and seq
	// under this lock so both advance together.
	writeMu sync.Mutex
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/chatline.db".
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/chatline.db"
	}

	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	if dbPath == ":memory:" {
		// Named so each store gets its own database; the shared cache
		// lets every pooled connection see it.
		dsn = "file:" + ids.NewMessageID() + "?mode=memory&cache=shared"
	} else {
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		read INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_messages_sender_recipient ON messages(sender, recipient, created_at, seq);
	CREATE INDEX IF NOT EXISTS idx_messages_recipient_sender ON messages(recipient, sender, created_at, seq);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Append inserts a new unread message.
func (s *SQLiteStore) Append(ctx context.Context, from, to, content string) (*models.Message, error) {
	msg := &models.Message{
		ID:      ids.NewMessageID(),
		From:    from,
		To:      to,
		Content: content,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	msg.CreatedAt = now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, sender, recipient, content, created_at, read)
		VALUES (?, ?, ?, ?, ?, 0)
	`, msg.ID, from, to, content, msg.CreatedAt.UnixNano())
	if err != nil {
		return nil, unavailable("append", err)
	}

	msg.Seq, err = res.LastInsertId()
	if err != nil {
		return nil, unavailable("append", err)
	}
	return msg, nil
}

// History retrieves the conversation between a and b.
func (s *SQLiteStore) History(ctx context.Context, a, b string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, sender, recipient, content, created_at, read
		FROM messages
		WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
		ORDER BY created_at ASC, seq ASC
	`, a, b, b, a)
	if err != nil {
		return nil, unavailable("history", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var msg models.Message
		var createdAt int64
		var readInt int

		err := rows.Scan(
			&msg.Seq,
			&msg.ID,
			&msg.From,
			&msg.To,
			&msg.Content,
			&createdAt,
			&readInt,
		)
		if err != nil {
			return nil, unavailable("history", err)
		}

		msg.CreatedAt = time.Unix(0, createdAt).UTC()
		msg.Read = readInt == 1
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("history", err)
	}

	return messages, nil
}

// MarkRead sets read on every unread message from -> to.
func (s *SQLiteStore) MarkRead(ctx context.Context, from, to string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET read = 1
		WHERE sender = ? AND recipient = ? AND read = 0
	`, from, to)
	if err != nil {
		return 0, unavailable("mark read", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("mark read", err)
	}
	return n, nil
}

// CountMessages returns the total number of stored messages.
func (s *SQLiteStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		return 0, unavailable("count", err)
	}
	return count, nil
}

// UnreadCount returns how many messages from -> to are still unread.
func (s *SQLiteStore) UnreadCount(ctx context.Context, from, to string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE sender = ? AND recipient = ? AND read = 0
	`, from, to).Scan(&count)
	if err != nil {
		return 0, unavailable("unread count", err)
	}
	return count, nil
}

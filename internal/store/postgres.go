package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/chatline/internal/ids"
	"github.com/eldtechnologies/chatline/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// initSchema creates tables if they don't exist.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT UNIQUE NOT NULL,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			read BOOLEAN NOT NULL DEFAULT FALSE
		);

		CREATE INDEX IF NOT EXISTS idx_messages_sender_recipient ON messages(sender, recipient, created_at, seq);
		CREATE INDEX IF NOT EXISTS idx_messages_recipient_sender ON messages(recipient, sender, created_at, seq);
	`)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Append inserts a new unread message. BIGSERIAL assigns seq.
func (s *PostgresStore) Append(ctx context.Context, from, to, content string) (*models.Message, error) {
	msg := &models.Message{
		ID:        ids.NewMessageID(),
		From:      from,
		To:        to,
		Content:   content,
		CreatedAt: now(),
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, sender, recipient, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq
	`, msg.ID, from, to, content, msg.CreatedAt).Scan(&msg.Seq)
	if err != nil {
		return nil, unavailable("append", err)
	}
	return msg, nil
}

// History retrieves the conversation between a and b.
func (s *PostgresStore) History(ctx context.Context, a, b string) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, id, sender, recipient, content, created_at, read
		FROM messages
		WHERE (sender = $1 AND recipient = $2) OR (sender = $2 AND recipient = $1)
		ORDER BY created_at ASC, seq ASC
	`, a, b)
	if err != nil {
		return nil, unavailable("history", err)
	}

	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Message, error) {
		var msg models.Message
		err := row.Scan(
			&msg.Seq,
			&msg.ID,
			&msg.From,
			&msg.To,
			&msg.Content,
			&msg.CreatedAt,
			&msg.Read,
		)
		msg.CreatedAt = msg.CreatedAt.UTC()
		return msg, err
	})
	if err != nil {
		return nil, unavailable("history", err)
	}
	if messages == nil {
		messages = []models.Message{}
	}
	return messages, nil
}

// MarkRead sets read on every unread message from -> to.
func (s *PostgresStore) MarkRead(ctx context.Context, from, to string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET read = TRUE
		WHERE sender = $1 AND recipient = $2 AND read = FALSE
	`, from, to)
	if err != nil {
		return 0, unavailable("mark read", err)
	}
	return tag.RowsAffected(), nil
}

// CountMessages returns the total number of stored messages.
func (s *PostgresStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		return 0, unavailable("count", err)
	}
	return count, nil
}

// UnreadCount returns how many messages from -> to are still unread.
func (s *PostgresStore) UnreadCount(ctx context.Context, from, to string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages WHERE sender = $1 AND recipient = $2 AND read = FALSE
	`, from, to).Scan(&count)
	if err != nil {
		return 0, unavailable("unread count", err)
	}
	return count, nil
}

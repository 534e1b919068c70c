package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// ErrChatNotFound is returned when a chat ID does not exist.
var ErrChatNotFound = errors.New("chat not found")

// Store is the durable side of the gateway: chats, messages, and the chat
// meta-info blob. All mutations are single statements; the gateway holds no
// cross-row transactions.
type Store struct {
	db *sql.DB
}

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// Open connects to Postgres, applies pool options, and runs migrations.
func Open(databaseURL string, opts Options) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection. Used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateChat inserts a new chat for the user.
func (s *Store) CreateChat(ctx context.Context, userID, title string) (*Chat, error) {
	chat := &Chat{
		ID:     uuid.New().String(),
		UserID: userID,
		Title:  title,
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO chats (id, user_id, title)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`,
		chat.ID, chat.UserID, chat.Title)
	if err := row.Scan(&chat.CreatedAt, &chat.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}

	return chat, nil
}

// GetChat loads one chat by ID.
func (s *Store) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	chat := &Chat{}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, meta_info, created_at, updated_at
		FROM chats WHERE id = $1`, chatID)
	err := row.Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.MetaInfo, &chat.CreatedAt, &chat.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return chat, nil
}

// ListChats returns the user's chats, most recently active first.
func (s *Store) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, meta_info, created_at, updated_at
		FROM chats WHERE user_id = $1
		ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	chats := []Chat{}
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.MetaInfo, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// DeleteChat removes a chat and its messages.
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = $1`, chatID)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrChatNotFound
	}
	return nil
}

// CreateMessage appends a message row to a chat.
func (s *Store) CreateMessage(ctx context.Context, chatID, role, content string) (*Message, error) {
	msg := &Message{
		ID:      uuid.New().String(),
		ChatID:  chatID,
		Role:    role,
		Content: content,
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, chat_id, role, content)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		msg.ID, msg.ChatID, msg.Role, msg.Content)
	if err := row.Scan(&msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	return msg, nil
}

// ListMessages returns a chat's messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, content, created_at
		FROM messages WHERE chat_id = $1
		ORDER BY created_at, id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// TouchChat bumps the chat's last-activity timestamp.
func (s *Store) TouchChat(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chats SET updated_at = now() WHERE id = $1`, chatID)
	if err != nil {
		return fmt.Errorf("failed to touch chat: %w", err)
	}
	return nil
}

// UpdateChatTitle sets the chat title.
func (s *Store) UpdateChatTitle(ctx context.Context, chatID, title string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chats SET title = $2 WHERE id = $1`, chatID, title)
	if err != nil {
		return fmt.Errorf("failed to update chat title: %w", err)
	}
	return nil
}

// AppendChatMetaInfo appends an info line to the chat's meta_info blob,
// separated by a blank line when the blob is non-empty.
func (s *Store) AppendChatMetaInfo(ctx context.Context, chatID, info string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chats
		SET meta_info = CASE WHEN meta_info = '' THEN $2
		                     ELSE meta_info || E'\n\n' || $2 END
		WHERE id = $1`, chatID, info)
	if err != nil {
		return fmt.Errorf("failed to append chat meta info: %w", err)
	}
	return nil
}

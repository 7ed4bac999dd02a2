package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

type PgRepository struct {
	conn *sql.DB
}

// compile-time check
var _ Repository = (*PgRepository)(nil)

func NewPgRepository(dsn string) (*PgRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgRepository{conn: db}, nil
}

func (db *PgRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *PgRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *PgRepository) GetActiveAccount(ctx context.Context, accountId string) (Account, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, first_name, last_name, COALESCE(profile_picture, ''), is_active, created_at, updated_at "+
			"FROM users WHERE id = $1 AND is_active = true LIMIT 1",
		accountId,
	)

	var a Account
	err := row.Scan(
		&a.Id,
		&a.Username,
		&a.FirstName,
		&a.LastName,
		&a.ProfilePicture,
		&a.IsActive,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}

	return a, err
}

// IsConversationParticipant reports whether the account is listed in the
// conversation's participants json array.
func (db *PgRepository) IsConversationParticipant(ctx context.Context, accountId, conversationId string) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1 AND participants @> jsonb_build_array($2::text))",
		conversationId,
		accountId,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("participant lookup: %w", err)
	}

	return exists, nil
}

// ListConversationParticipants returns the account ids in the conversation's
// participants array. An unknown conversation yields no ids.
func (db *PgRepository) ListConversationParticipants(ctx context.Context, conversationId string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT jsonb_array_elements_text(participants) FROM conversations WHERE id = $1",
		conversationId,
	)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}

func (db *PgRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	mediaType := params.MediaType
	if mediaType == "" {
		mediaType = "text"
	}

	now := time.Now().UTC()
	var m Message
	err = tx.QueryRowContext(ctx,
		"INSERT INTO messages (conversation_id, sender_id, content, media_url, media_type, created_at, updated_at) "+
			"VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $6) "+
			"RETURNING id, conversation_id, sender_id, content, COALESCE(media_url, ''), media_type, is_read, created_at",
		params.ConversationId,
		params.SenderId,
		params.Content,
		params.MediaUrl,
		mediaType,
		now,
	).Scan(
		&m.Id,
		&m.ConversationId,
		&m.SenderId,
		&m.Content,
		&m.MediaUrl,
		&m.MediaType,
		&m.IsRead,
		&m.CreatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE conversations SET last_message_id = $2, last_message_at = $3 WHERE id = $1",
		params.ConversationId,
		m.Id,
		now,
	); err != nil {
		return Message{}, fmt.Errorf("update conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit: %w", err)
	}

	return m, nil
}

// MarkMessageRead flags a message as read unless the reader is its sender. It
// reports whether a row was updated.
func (db *PgRepository) MarkMessageRead(ctx context.Context, params MarkReadParams) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET is_read = true, read_at = $4 "+
			"WHERE id = $1 AND conversation_id = $2 AND sender_id <> $3",
		params.MessageId,
		params.ConversationId,
		params.ReaderId,
		time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	return n > 0, nil
}

func (db *PgRepository) TouchLastActive(ctx context.Context, accountId string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE users SET last_active_at = $2 WHERE id = $1",
		accountId,
		at.UTC(),
	)
	return err
}

func (db *PgRepository) ListFollowerIds(ctx context.Context, accountId string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT follower_id FROM follows WHERE following_id = $1 AND status = 'accepted'",
		accountId,
	)
	if err != nil {
		return nil, fmt.Errorf("list followers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}

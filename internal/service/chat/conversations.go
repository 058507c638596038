package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatrelay/internal/models"
)

// ErrNotFound indicates the conversation does not exist or is not owned by the caller.
var ErrNotFound = errors.New("conversation not found")

// seqInsertAttempts bounds retries when two writers race for the same seq.
// The UNIQUE(conversation_id, seq) constraint rejects the loser, which
// simply recomputes MAX(seq)+1 and tries again.
const seqInsertAttempts = 3

// CreateConversation starts an empty conversation for the user.
func (s *Service) CreateConversation(ctx context.Context, userID int64, title string) (*models.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New conversation"
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		userID, title, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("conversation id: %w", err)
	}
	return &models.Conversation{ID: id, UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// ListConversations returns the user's conversations, most recently active first.
func (s *Service) ListConversations(ctx context.Context, userID int64, skip, limit int) ([]models.Conversation, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	if skip < 0 {
		skip = 0
	}
	conversations := []models.Conversation{}
	err := s.db.SelectContext(ctx, &conversations,
		`SELECT id, user_id, title, created_at, updated_at
		 FROM conversations WHERE user_id = ?
		 ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?`,
		userID, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return conversations, nil
}

// GetConversation fetches a conversation owned by the user.
func (s *Service) GetConversation(ctx context.Context, userID, conversationID int64) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.GetContext(ctx, &conv,
		`SELECT id, user_id, title, created_at, updated_at
		 FROM conversations WHERE id = ? AND user_id = ?`,
		conversationID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

// GetConversationWithMessages returns the conversation and its full message
// log ordered by seq.
func (s *Service) GetConversationWithMessages(ctx context.Context, userID, conversationID int64) (*models.Conversation, []models.Message, error) {
	conv, err := s.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, nil, err
	}
	messages := []models.Message{}
	err = s.db.SelectContext(ctx, &messages,
		`SELECT id, conversation_id, seq, role, content, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY seq ASC`,
		conversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("list messages: %w", err)
	}
	return conv, messages, nil
}

// AddMessage appends a message to the conversation, assigning the next seq
// inside a transaction and touching the conversation's updated_at.
func (s *Service) AddMessage(ctx context.Context, userID, conversationID int64, role models.Role, content string) (*models.Message, error) {
	if content == "" {
		return nil, errors.New("content required")
	}
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < seqInsertAttempts; attempt++ {
		msg, err := s.insertMessage(ctx, conversationID, role, content)
		if err == nil {
			return msg, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("append message: %w", lastErr)
}

func (s *Service) insertMessage(ctx context.Context, conversationID int64, role models.Role, content string) (*models.Message, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.GetContext(ctx, &seq,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
		conversationID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, seq, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		conversationID, seq, role, content, now,
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &models.Message{
		ID:             id,
		ConversationID: conversationID,
		Seq:            seq,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}, nil
}

// RecentMessages returns the last `limit` messages of a conversation in
// chronological order. Used as the store fallback when the history cache is cold.
func (s *Service) RecentMessages(ctx context.Context, conversationID int64, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	messages := []models.Message{}
	err := s.db.SelectContext(ctx, &messages,
		`SELECT id, conversation_id, seq, role, content, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY seq DESC LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	// Reverse into chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// DeleteConversation removes a conversation together with its messages and
// stored embeddings. Returns ErrNotFound when the user owns no such conversation.
func (s *Service) DeleteConversation(ctx context.Context, userID, conversationID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = ? AND user_id = ?`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM message_embeddings WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return tx.Commit()
}

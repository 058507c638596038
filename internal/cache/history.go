package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chatrelay/internal/models"

	"go.uber.org/zap"
)

// Turn is one cached entry of a conversation's recent history.
type Turn struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// History keeps the last N turn pairs of each conversation in a capped
// redis list so the relay can assemble context without hitting the store.
// Eviction is redis-native: LTRIM caps the length, EXPIRE bounds the
// lifetime. All operations degrade gracefully when redis is unavailable.
type History struct {
	client   *Client
	maxTurns int
	ttl      time.Duration
	logger   *zap.Logger
}

// NewHistory builds the short-term history cache.
func NewHistory(client *Client, maxTurns int, ttl time.Duration, logger *zap.Logger) *History {
	if maxTurns <= 0 {
		maxTurns = 7
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &History{client: client, maxTurns: maxTurns, ttl: ttl, logger: logger}
}

func historyKey(conversationID int64) string {
	return fmt.Sprintf("chat:history:%d", conversationID)
}

// Append pushes one turn onto the conversation's history list, trims the
// list to the last maxTurns*2 entries and refreshes the TTL.
func (h *History) Append(ctx context.Context, conversationID int64, role models.Role, content string) {
	if h == nil || h.client == nil || conversationID <= 0 {
		return
	}
	payload, err := json.Marshal(Turn{Role: role, Content: content})
	if err != nil {
		h.logger.Error("history marshal failed", zap.Error(err))
		return
	}
	err = h.client.ListAppendCapped(ctx, historyKey(conversationID), payload, int64(h.maxTurns*2), h.ttl)
	if err != nil {
		h.logger.Error("history append failed",
			zap.Int64("conversation_id", conversationID), zap.Error(err))
	}
}

// Recent returns up to the last maxTurns*2 turns in chronological order.
// A cache miss or any redis failure yields an empty slice.
func (h *History) Recent(ctx context.Context, conversationID int64) []Turn {
	if h == nil || h.client == nil || conversationID <= 0 {
		return nil
	}
	entries, err := h.client.ListTail(ctx, historyKey(conversationID), int64(h.maxTurns*2))
	if err != nil {
		h.logger.Error("history read failed",
			zap.Int64("conversation_id", conversationID), zap.Error(err))
		return nil
	}
	turns := make([]Turn, 0, len(entries))
	for _, entry := range entries {
		var t Turn
		if err := json.Unmarshal([]byte(entry), &t); err != nil {
			h.logger.Error("history decode failed", zap.Error(err))
			continue
		}
		turns = append(turns, t)
	}
	return turns
}

// Purge removes a conversation's history entry.
func (h *History) Purge(ctx context.Context, conversationID int64) {
	if h == nil || h.client == nil || conversationID <= 0 {
		return
	}
	if err := h.client.Del(ctx, historyKey(conversationID)); err != nil && err != ErrCacheMiss {
		h.logger.Error("history purge failed",
			zap.Int64("conversation_id", conversationID), zap.Error(err))
	}
}

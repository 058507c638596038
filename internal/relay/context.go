package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"chatrelay/internal/cache"
	"chatrelay/internal/models"

	"github.com/cloudwego/eino/schema"
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

const systemPrompt = "You are a helpful assistant. Answer the user's questions " +
	"clearly and concisely, using any earlier context that is relevant."

// gatherHistory returns the recent turn window, cache first with a store
// fallback for cold conversations.
func (s *Service) gatherHistory(ctx context.Context, conversationID int64) []cache.Turn {
	turns := s.history.Recent(ctx, conversationID)
	if len(turns) > 0 {
		return turns
	}
	messages, err := s.store.RecentMessages(ctx, conversationID, s.cfg.HistoryTurns*2)
	if err != nil {
		s.logger.Warn("history fallback failed",
			zap.Int64("conversation_id", conversationID), zap.Error(err))
		return nil
	}
	turns = make([]cache.Turn, 0, len(messages))
	for _, msg := range messages {
		turns = append(turns, cache.Turn{Role: msg.Role, Content: msg.Content})
	}
	return turns
}

// buildContext assembles the upstream message list: a system prompt optionally
// enriched with semantically similar past messages, the recent history window
// and the current user message, trimmed to the token budget.
func (s *Service) buildContext(ctx context.Context, conversationID int64, prior []cache.Turn, content string, log *zap.Logger) []*schema.Message {
	system := systemPrompt
	if supplement := s.similarityContext(ctx, conversationID, content, log); supplement != "" {
		system += "\n\n" + supplement
	}

	messages := make([]*schema.Message, 0, len(prior)+2)
	messages = append(messages, &schema.Message{Role: schema.System, Content: system})
	for _, turn := range prior {
		messages = append(messages, &schema.Message{Role: einoRole(turn.Role), Content: turn.Content})
	}
	messages = append(messages, &schema.Message{Role: schema.User, Content: content})
	return s.trimToBudget(messages)
}

// similarityContext embeds the current message and pulls semantically similar
// earlier messages from the conversation. Any failure degrades to no supplement.
func (s *Service) similarityContext(ctx context.Context, conversationID int64, content string, log *zap.Logger) string {
	if s.embedder == nil {
		return ""
	}
	vectors, err := s.embedder.CreateEmbedding(ctx, []string{content})
	if err != nil || len(vectors) == 0 {
		if err != nil {
			log.Warn("query embedding failed", zap.Error(err))
		}
		return ""
	}
	hits, err := s.store.FindSimilar(ctx, conversationID, vectors[0],
		s.cfg.SimilarityTopK, s.cfg.SimilarityThreshold)
	if err != nil {
		log.Warn("similarity search failed", zap.Error(err))
		return ""
	}
	if len(hits) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant earlier messages from this conversation:")
	for _, hit := range hits {
		fmt.Fprintf(&b, "\n- [%s] %s", hit.Role, hit.Content)
	}
	return b.String()
}

// trimToBudget drops the oldest history entries until the context fits the
// token budget. The system prompt and the current message always survive.
func (s *Service) trimToBudget(messages []*schema.Message) []*schema.Message {
	budget := s.cfg.ContextTokenBudget
	if budget <= 0 || len(messages) <= 2 {
		return messages
	}
	total := 0
	for _, msg := range messages {
		total += s.countTokens(msg.Content)
	}
	// messages[0] is the system prompt, the last entry is the current turn.
	start := 1
	for total > budget && start < len(messages)-1 {
		total -= s.countTokens(messages[start].Content)
		start++
	}
	if start == 1 {
		return messages
	}
	trimmed := make([]*schema.Message, 0, len(messages)-start+1)
	trimmed = append(trimmed, messages[0])
	trimmed = append(trimmed, messages[start:]...)
	return trimmed
}

func einoRole(role models.Role) schema.RoleType {
	switch role {
	case models.RoleAssistant:
		return schema.Assistant
	case models.RoleSystem:
		return schema.System
	default:
		return schema.User
	}
}

// newTokenCounter returns a counter backed by tiktoken's cl100k_base encoding.
// The encoding is fetched lazily; if unavailable (offline runs) the counter
// falls back to a bytes/4 estimate.
func newTokenCounter() func(string) int {
	var once sync.Once
	var enc *tiktoken.Tiktoken
	return func(text string) int {
		once.Do(func() {
			if e, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
				enc = e
			}
		})
		if enc != nil {
			return len(enc.Encode(text, nil, nil))
		}
		return len(text)/4 + 1
	}
}

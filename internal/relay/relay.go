package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/cache"
	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/service/chat"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrConversationBusy indicates another completion turn is in flight for
	// the conversation.
	ErrConversationBusy = errors.New("conversation has a turn in progress")
	// ErrEmptyMessage rejects blank user input before anything is persisted.
	ErrEmptyMessage = errors.New("message content required")
)

// ChatStreamer is the upstream surface the relay needs from a chat model.
// eino chat models satisfy it directly.
type ChatStreamer interface {
	Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error)
}

// Embedder produces embedding vectors for similarity search.
type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// StreamerFactory resolves a provider/model pair to an upstream streamer.
type StreamerFactory func(ctx context.Context, provider, modelType string) (ChatStreamer, error)

// Request is one completion turn submitted by an authenticated user.
// AckFn, when set, is invoked with the persisted user message before any
// upstream traffic; returning an error cancels the turn.
type Request struct {
	UserID         int64
	ConversationID int64
	Content        string
	Provider       string
	Model          string
	AckFn          func(*models.Message) error
}

// Result carries the two messages a successful turn persisted.
type Result struct {
	UserMessage      *models.Message
	AssistantMessage *models.Message
}

// ChunkFn receives each streamed fragment in arrival order. Returning an
// error cancels the turn; the client has usually disconnected.
type ChunkFn func(fragment string) error

// Service relays completion turns to an upstream model: it persists the user
// message, assembles bounded context, streams the reply to the caller and
// persists the assistant message before reporting success.
type Service struct {
	store    *chat.Service
	history  *cache.History
	factory  StreamerFactory
	embedder Embedder
	cfg      config.RelayConfig
	logger   *zap.Logger

	countTokens func(string) int

	// retryBaseDelay is the initial backoff between upstream open attempts.
	retryBaseDelay time.Duration

	mu       sync.Mutex
	inFlight map[int64]struct{}

	streamerMu sync.Mutex
	streamers  map[string]ChatStreamer
}

// NewService wires the relay. The embedder may be nil; similarity context is
// then skipped.
func NewService(store *chat.Service, history *cache.History, factory StreamerFactory, embedder Embedder, cfg config.RelayConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:          store,
		history:        history,
		factory:        factory,
		embedder:       embedder,
		cfg:            cfg,
		logger:         logger,
		countTokens:    newTokenCounter(),
		retryBaseDelay: 500 * time.Millisecond,
		inFlight:       make(map[int64]struct{}),
		streamers:      make(map[string]ChatStreamer),
	}
}

// Turn runs one full completion turn. Fragments are forwarded through onChunk
// as they arrive; the user message is persisted before the upstream call, the
// assistant message only after the stream completes cleanly.
func (s *Service) Turn(ctx context.Context, req Request, onChunk ChunkFn) (*Result, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if _, err := s.store.GetConversation(ctx, req.UserID, req.ConversationID); err != nil {
		return nil, err
	}
	if !s.tryLock(req.ConversationID) {
		return nil, ErrConversationBusy
	}
	defer s.unlock(req.ConversationID)

	turnID := uuid.NewString()
	log := s.logger.With(
		zap.String("turn_id", turnID),
		zap.Int64("conversation_id", req.ConversationID),
		zap.Int64("user_id", req.UserID),
	)

	timeout := time.Duration(s.cfg.StreamTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = config.DefaultStreamTimeoutSecs * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Snapshot history before the new message lands so the window does not
	// contain the current turn twice.
	prior := s.gatherHistory(ctx, req.ConversationID)

	userMsg, err := s.store.AddMessage(ctx, req.UserID, req.ConversationID, models.RoleUser, content)
	if err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}
	s.history.Append(ctx, req.ConversationID, models.RoleUser, content)
	if req.AckFn != nil {
		if err := req.AckFn(userMsg); err != nil {
			log.Warn("ack delivery failed, cancelling turn", zap.Error(err))
			return nil, fmt.Errorf("deliver ack: %w", err)
		}
	}

	messages := s.buildContext(ctx, req.ConversationID, prior, content, log)

	streamer, err := s.streamerFor(ctx, req.Provider, req.Model)
	if err != nil {
		return nil, err
	}
	reader, err := s.openStreamWithRetry(ctx, streamer, messages, log)
	if err != nil {
		log.Error("upstream stream failed to open", zap.Error(err))
		return nil, err
	}
	defer reader.Close()

	var full strings.Builder
	for {
		chunk, err := reader.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Error("upstream stream broke mid-turn",
				zap.Int("bytes_forwarded", full.Len()), zap.Error(err))
			return nil, fmt.Errorf("upstream stream: %w", err)
		}
		if chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if onChunk != nil {
			if err := onChunk(chunk.Content); err != nil {
				log.Warn("client gone, cancelling turn", zap.Error(err))
				return nil, fmt.Errorf("forward chunk: %w", err)
			}
		}
	}

	reply := full.String()
	if reply == "" {
		log.Warn("upstream returned empty completion")
	}
	assistantMsg, err := s.store.AddMessage(ctx, req.UserID, req.ConversationID, models.RoleAssistant, reply)
	if err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}
	s.history.Append(ctx, req.ConversationID, models.RoleAssistant, reply)

	s.storeEmbeddings(ctx, req.ConversationID, content, reply, log)

	log.Info("turn complete",
		zap.Int64("user_seq", userMsg.Seq),
		zap.Int64("assistant_seq", assistantMsg.Seq),
		zap.Int("reply_bytes", len(reply)),
	)
	return &Result{UserMessage: userMsg, AssistantMessage: assistantMsg}, nil
}

// openStreamWithRetry retries the upstream open with doubling backoff. Once
// the first byte has been received there are no retries; the caller sees the
// break instead of a silently restarted reply.
func (s *Service) openStreamWithRetry(ctx context.Context, streamer ChatStreamer, messages []*schema.Message, log *zap.Logger) (*schema.StreamReader[*schema.Message], error) {
	attempts := s.cfg.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	delay := s.retryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		reader, err := streamer.Stream(ctx, messages)
		if err == nil {
			return reader, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		log.Warn("upstream open failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("backoff", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("open upstream stream: %w", lastErr)
}

func (s *Service) storeEmbeddings(ctx context.Context, conversationID int64, userContent, assistantContent string, log *zap.Logger) {
	if s.embedder == nil {
		return
	}
	texts := []string{userContent}
	roles := []models.Role{models.RoleUser}
	if assistantContent != "" {
		texts = append(texts, assistantContent)
		roles = append(roles, models.RoleAssistant)
	}
	vectors, err := s.embedder.CreateEmbedding(ctx, texts)
	if err != nil {
		log.Warn("embedding skipped", zap.Error(err))
		return
	}
	for i, vec := range vectors {
		if i >= len(roles) {
			break
		}
		if err := s.store.StoreEmbedding(ctx, conversationID, roles[i], texts[i], vec); err != nil {
			log.Warn("embedding store failed", zap.Error(err))
		}
	}
}

func (s *Service) streamerFor(ctx context.Context, provider, modelType string) (ChatStreamer, error) {
	if provider == "" {
		provider = "openai"
	}
	key := provider + "/" + modelType
	s.streamerMu.Lock()
	defer s.streamerMu.Unlock()
	if streamer, ok := s.streamers[key]; ok {
		return streamer, nil
	}
	streamer, err := s.factory(ctx, provider, modelType)
	if err != nil {
		return nil, err
	}
	s.streamers[key] = streamer
	return streamer, nil
}

func (s *Service) tryLock(conversationID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[conversationID]; busy {
		return false
	}
	s.inFlight[conversationID] = struct{}{}
	return true
}

func (s *Service) unlock(conversationID int64) {
	s.mu.Lock()
	delete(s.inFlight, conversationID)
	s.mu.Unlock()
}

package relay

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/service/chat"
	"chatrelay/internal/storage"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

type fakeStreamer struct {
	chunks    []string
	openErrs  []error
	streamErr error
	calls     int
}

func (f *fakeStreamer) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.calls++
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.streamErr != nil {
		reader, writer := schema.Pipe[*schema.Message](len(f.chunks) + 1)
		go func() {
			defer writer.Close()
			for _, c := range f.chunks {
				writer.Send(&schema.Message{Role: schema.Assistant, Content: c}, nil)
			}
			writer.Send(nil, f.streamErr)
		}()
		return reader, nil
	}
	out := make([]*schema.Message, 0, len(f.chunks))
	for _, c := range f.chunks {
		out = append(out, &schema.Message{Role: schema.Assistant, Content: c})
	}
	return schema.StreamReaderFromArray(out), nil
}

func factoryFor(streamer ChatStreamer) StreamerFactory {
	return func(ctx context.Context, provider, modelType string) (ChatStreamer, error) {
		return streamer, nil
	}
}

func testRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		HistoryTurns:         7,
		ContextTokenBudget:   3000,
		MaxRetries:           3,
		StreamTimeoutSeconds: 5,
		SimilarityTopK:       3,
		SimilarityThreshold:  0.70,
	}
}

func newRelayFixture(t *testing.T, streamer ChatStreamer) (*Service, *chat.Service, int64, int64) {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := chat.NewService(db)
	user, err := store.RegisterUser(context.Background(), "alice", "alice@example.com", "secret123", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	conv, err := store.CreateConversation(context.Background(), user.ID, "test")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	svc := NewService(store, nil, factoryFor(streamer), nil, testRelayConfig(), nil)
	svc.retryBaseDelay = time.Millisecond
	svc.countTokens = func(s string) int { return len(s) }
	return svc, store, user.ID, conv.ID
}

func messageCount(t *testing.T, store *chat.Service, userID, convID int64, role models.Role) int {
	t.Helper()
	_, messages, err := store.GetConversationWithMessages(context.Background(), userID, convID)
	if err != nil {
		t.Fatalf("load messages: %v", err)
	}
	count := 0
	for _, msg := range messages {
		if msg.Role == role {
			count++
		}
	}
	return count
}

func TestTurnStreamsAndPersists(t *testing.T) {
	streamer := &fakeStreamer{chunks: []string{"Hel", "lo ", "world"}}
	svc, store, userID, convID := newRelayFixture(t, streamer)

	var forwarded []string
	result, err := svc.Turn(context.Background(), Request{
		UserID:         userID,
		ConversationID: convID,
		Content:        "hi there",
	}, func(fragment string) error {
		forwarded = append(forwarded, fragment)
		return nil
	})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}

	if got := strings.Join(forwarded, ""); got != "Hello world" {
		t.Fatalf("forwarded %q, want %q", got, "Hello world")
	}
	if result.AssistantMessage.Content != "Hello world" {
		t.Fatalf("persisted %q, want %q", result.AssistantMessage.Content, "Hello world")
	}
	if result.UserMessage.Seq != 1 || result.AssistantMessage.Seq != 2 {
		t.Fatalf("seq = %d,%d; want 1,2", result.UserMessage.Seq, result.AssistantMessage.Seq)
	}
	_, messages, err := store.GetConversationWithMessages(context.Background(), userID, convID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("message count = %d, want 2", len(messages))
	}
}

func TestTurnUpstreamOpenFailureKeepsUserMessage(t *testing.T) {
	streamer := &fakeStreamer{openErrs: []error{
		errors.New("boom"), errors.New("boom"), errors.New("boom"),
	}}
	svc, store, userID, convID := newRelayFixture(t, streamer)

	_, err := svc.Turn(context.Background(), Request{
		UserID: userID, ConversationID: convID, Content: "hi",
	}, nil)
	if err == nil {
		t.Fatal("expected error when upstream never opens")
	}
	if streamer.calls != 3 {
		t.Fatalf("open attempts = %d, want 3", streamer.calls)
	}
	if n := messageCount(t, store, userID, convID, models.RoleUser); n != 1 {
		t.Fatalf("user messages = %d, want 1", n)
	}
	if n := messageCount(t, store, userID, convID, models.RoleAssistant); n != 0 {
		t.Fatalf("assistant messages = %d, want 0", n)
	}
}

func TestTurnRetriesThenSucceeds(t *testing.T) {
	streamer := &fakeStreamer{
		chunks:   []string{"ok"},
		openErrs: []error{errors.New("transient"), nil},
	}
	svc, _, userID, convID := newRelayFixture(t, streamer)

	result, err := svc.Turn(context.Background(), Request{
		UserID: userID, ConversationID: convID, Content: "hi",
	}, nil)
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if streamer.calls != 2 {
		t.Fatalf("open attempts = %d, want 2", streamer.calls)
	}
	if result.AssistantMessage.Content != "ok" {
		t.Fatalf("reply = %q, want %q", result.AssistantMessage.Content, "ok")
	}
}

func TestTurnMidStreamErrorDropsAssistant(t *testing.T) {
	streamer := &fakeStreamer{
		chunks:    []string{"partial "},
		streamErr: errors.New("connection reset"),
	}
	svc, store, userID, convID := newRelayFixture(t, streamer)

	var forwarded []string
	_, err := svc.Turn(context.Background(), Request{
		UserID: userID, ConversationID: convID, Content: "hi",
	}, func(fragment string) error {
		forwarded = append(forwarded, fragment)
		return nil
	})
	if err == nil {
		t.Fatal("expected mid-stream error to surface")
	}
	if errors.Is(err, io.EOF) {
		t.Fatal("mid-stream failure must not be treated as clean EOF")
	}
	if len(forwarded) != 1 || forwarded[0] != "partial " {
		t.Fatalf("forwarded = %v, want the partial chunk", forwarded)
	}
	if n := messageCount(t, store, userID, convID, models.RoleAssistant); n != 0 {
		t.Fatalf("assistant messages = %d, want 0 after broken stream", n)
	}
	if n := messageCount(t, store, userID, convID, models.RoleUser); n != 1 {
		t.Fatalf("user messages = %d, want 1", n)
	}
}

func TestTurnClientDisconnectCancels(t *testing.T) {
	streamer := &fakeStreamer{chunks: []string{"a", "b", "c"}}
	svc, store, userID, convID := newRelayFixture(t, streamer)

	sentinel := errors.New("client gone")
	_, err := svc.Turn(context.Background(), Request{
		UserID: userID, ConversationID: convID, Content: "hi",
	}, func(fragment string) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("want wrapped sentinel, got %v", err)
	}
	if n := messageCount(t, store, userID, convID, models.RoleAssistant); n != 0 {
		t.Fatalf("assistant messages = %d, want 0 after disconnect", n)
	}
}

func TestTurnAckCarriesPersistedUserMessage(t *testing.T) {
	streamer := &fakeStreamer{chunks: []string{"reply"}}
	svc, _, userID, convID := newRelayFixture(t, streamer)

	var order []string
	var acked *models.Message
	_, err := svc.Turn(context.Background(), Request{
		UserID:         userID,
		ConversationID: convID,
		Content:        "hi there",
		AckFn: func(msg *models.Message) error {
			order = append(order, "ack")
			acked = msg
			return nil
		},
	}, func(fragment string) error {
		order = append(order, "chunk")
		return nil
	})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if acked == nil || acked.ID == 0 || acked.Seq != 1 || acked.Content != "hi there" {
		t.Fatalf("ack message not the persisted record: %+v", acked)
	}
	if len(order) < 2 || order[0] != "ack" {
		t.Fatalf("ack must precede chunks, got %v", order)
	}
}

func TestTurnNoAckWhenConversationBusy(t *testing.T) {
	svc, _, userID, convID := newRelayFixture(t, &fakeStreamer{chunks: []string{"x"}})
	if !svc.tryLock(convID) {
		t.Fatal("could not take lock")
	}
	defer svc.unlock(convID)

	acked := false
	_, err := svc.Turn(context.Background(), Request{
		UserID:         userID,
		ConversationID: convID,
		Content:        "hi",
		AckFn: func(*models.Message) error {
			acked = true
			return nil
		},
	}, nil)
	if !errors.Is(err, ErrConversationBusy) {
		t.Fatalf("want ErrConversationBusy, got %v", err)
	}
	if acked {
		t.Fatal("busy turn must not deliver an ack")
	}
}

func TestTurnZeroStreamTimeoutFallsBackToDefault(t *testing.T) {
	svc, _, userID, convID := newRelayFixture(t, &fakeStreamer{chunks: []string{"ok"}})
	svc.cfg.StreamTimeoutSeconds = 0

	result, err := svc.Turn(context.Background(), Request{
		UserID: userID, ConversationID: convID, Content: "hi",
	}, nil)
	if err != nil {
		t.Fatalf("turn with zero timeout config: %v", err)
	}
	if result.AssistantMessage.Content != "ok" {
		t.Fatalf("reply = %q, want %q", result.AssistantMessage.Content, "ok")
	}
}

func TestTurnRejectsEmptyMessage(t *testing.T) {
	svc, _, userID, convID := newRelayFixture(t, &fakeStreamer{chunks: []string{"x"}})
	if _, err := svc.Turn(context.Background(), Request{
		UserID: userID, ConversationID: convID, Content: "   ",
	}, nil); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("want ErrEmptyMessage, got %v", err)
	}
}

func TestTurnRejectsForeignConversation(t *testing.T) {
	svc, store, _, convID := newRelayFixture(t, &fakeStreamer{chunks: []string{"x"}})
	other, err := store.RegisterUser(context.Background(), "mallory", "m@example.com", "secret123", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Turn(context.Background(), Request{
		UserID: other.ID, ConversationID: convID, Content: "hi",
	}, nil); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestTurnConversationBusy(t *testing.T) {
	svc, _, userID, convID := newRelayFixture(t, &fakeStreamer{chunks: []string{"x"}})
	if !svc.tryLock(convID) {
		t.Fatal("could not take lock")
	}
	defer svc.unlock(convID)

	if _, err := svc.Turn(context.Background(), Request{
		UserID: userID, ConversationID: convID, Content: "hi",
	}, nil); !errors.Is(err, ErrConversationBusy) {
		t.Fatalf("want ErrConversationBusy, got %v", err)
	}
}

func TestTurnLockReleasedAfterCompletion(t *testing.T) {
	svc, _, userID, convID := newRelayFixture(t, &fakeStreamer{chunks: []string{"x"}})
	for i := 0; i < 2; i++ {
		if _, err := svc.Turn(context.Background(), Request{
			UserID: userID, ConversationID: convID, Content: "again",
		}, nil); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}
}

package chat

import (
	"context"
	"errors"
	"testing"

	"chatrelay/internal/models"
	"chatrelay/internal/storage"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewService(db)
}

func registerTestUser(t *testing.T, svc *Service, username string) *models.User {
	t.Helper()
	user, err := svc.RegisterUser(context.Background(), username, username+"@example.com", "secret123", "")
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	return user
}

func TestRegisterUserRejectsDuplicates(t *testing.T) {
	svc := newTestService(t)
	registerTestUser(t, svc, "alice")

	if _, err := svc.RegisterUser(context.Background(), "alice", "other@example.com", "secret123", ""); !errors.Is(err, ErrDuplicateUsername) {
		t.Fatalf("want ErrDuplicateUsername, got %v", err)
	}
	if _, err := svc.RegisterUser(context.Background(), "alice2", "alice@example.com", "secret123", ""); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("want ErrDuplicateEmail, got %v", err)
	}
}

func TestRegisterUserValidation(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.RegisterUser(context.Background(), "  ", "a@example.com", "secret123", ""); err == nil {
		t.Fatal("blank username should fail")
	}
	if _, err := svc.RegisterUser(context.Background(), "bob", "b@example.com", "short", ""); err == nil {
		t.Fatal("short password should fail")
	}
}

func TestAuthenticate(t *testing.T) {
	svc := newTestService(t)
	user := registerTestUser(t, svc, "alice")

	got, err := svc.Authenticate(context.Background(), "alice", "secret123")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("authenticated user %d, want %d", got.ID, user.ID)
	}

	if _, err := svc.Authenticate(context.Background(), "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: want ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), "nobody", "secret123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user: want ErrInvalidCredentials, got %v", err)
	}
}

func TestAuthenticateDisabledUser(t *testing.T) {
	svc := newTestService(t)
	user := registerTestUser(t, svc, "alice")
	if _, err := svc.db.Exec(`UPDATE users SET disabled = 1 WHERE id = ?`, user.ID); err != nil {
		t.Fatalf("disable user: %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), "alice", "secret123"); !errors.Is(err, ErrUserDisabled) {
		t.Fatalf("want ErrUserDisabled, got %v", err)
	}
}

func TestAddMessageAssignsSequentialSeq(t *testing.T) {
	svc := newTestService(t)
	user := registerTestUser(t, svc, "alice")
	conv, err := svc.CreateConversation(context.Background(), user.ID, "test")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	first, err := svc.AddMessage(context.Background(), user.ID, conv.ID, models.RoleUser, "hello")
	if err != nil {
		t.Fatalf("add first: %v", err)
	}
	second, err := svc.AddMessage(context.Background(), user.ID, conv.ID, models.RoleAssistant, "hi there")
	if err != nil {
		t.Fatalf("add second: %v", err)
	}
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("seq = %d,%d; want 1,2", first.Seq, second.Seq)
	}

	_, messages, err := svc.GetConversationWithMessages(context.Background(), user.ID, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("message count = %d, want 2", len(messages))
	}
	if messages[0].Content != "hello" || messages[1].Content != "hi there" {
		t.Fatalf("messages out of order: %+v", messages)
	}
}

func TestAddMessageOwnershipCheck(t *testing.T) {
	svc := newTestService(t)
	alice := registerTestUser(t, svc, "alice")
	mallory := registerTestUser(t, svc, "mallory")
	conv, _ := svc.CreateConversation(context.Background(), alice.ID, "private")

	if _, err := svc.AddMessage(context.Background(), mallory.ID, conv.ID, models.RoleUser, "sneaky"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestListConversationsOrder(t *testing.T) {
	svc := newTestService(t)
	user := registerTestUser(t, svc, "alice")

	first, _ := svc.CreateConversation(context.Background(), user.ID, "first")
	second, _ := svc.CreateConversation(context.Background(), user.ID, "second")

	// Touch the first conversation so it becomes most recently active.
	if _, err := svc.AddMessage(context.Background(), user.ID, first.ID, models.RoleUser, "bump"); err != nil {
		t.Fatalf("add message: %v", err)
	}

	list, err := svc.ListConversations(context.Background(), user.ID, 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list length = %d, want 2", len(list))
	}
	if list[0].ID != first.ID || list[1].ID != second.ID {
		t.Fatalf("unexpected order: %d then %d", list[0].ID, list[1].ID)
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	svc := newTestService(t)
	user := registerTestUser(t, svc, "alice")
	conv, _ := svc.CreateConversation(context.Background(), user.ID, "doomed")
	if _, err := svc.AddMessage(context.Background(), user.ID, conv.ID, models.RoleUser, "hello"); err != nil {
		t.Fatalf("add message: %v", err)
	}
	if err := svc.StoreEmbedding(context.Background(), conv.ID, models.RoleUser, "hello", []float32{0.1, 0.2}); err != nil {
		t.Fatalf("store embedding: %v", err)
	}

	if err := svc.DeleteConversation(context.Background(), user.ID, conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.DeleteConversation(context.Background(), user.ID, conv.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: want ErrNotFound, got %v", err)
	}

	var count int
	if err := svc.db.Get(&count, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conv.ID); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 0 {
		t.Fatalf("messages left behind: %d", count)
	}
	if err := svc.db.Get(&count, `SELECT COUNT(*) FROM message_embeddings WHERE conversation_id = ?`, conv.ID); err != nil {
		t.Fatalf("count embeddings: %v", err)
	}
	if count != 0 {
		t.Fatalf("embeddings left behind: %d", count)
	}
}

func TestRecentMessages(t *testing.T) {
	svc := newTestService(t)
	user := registerTestUser(t, svc, "alice")
	conv, _ := svc.CreateConversation(context.Background(), user.ID, "long")
	contents := []string{"one", "two", "three", "four"}
	for _, c := range contents {
		if _, err := svc.AddMessage(context.Background(), user.ID, conv.ID, models.RoleUser, c); err != nil {
			t.Fatalf("add %q: %v", c, err)
		}
	}

	recent, err := svc.RecentMessages(context.Background(), conv.ID, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Content != "three" || recent[1].Content != "four" {
		t.Fatalf("unexpected recent window: %+v", recent)
	}
}

func TestStoreEmbeddingDeduplicates(t *testing.T) {
	svc := newTestService(t)
	user := registerTestUser(t, svc, "alice")
	conv, _ := svc.CreateConversation(context.Background(), user.ID, "vec")

	vec := []float32{1, 0, 0}
	if err := svc.StoreEmbedding(context.Background(), conv.ID, models.RoleUser, "same text", vec); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := svc.StoreEmbedding(context.Background(), conv.ID, models.RoleUser, "same text", vec); err != nil {
		t.Fatalf("store duplicate: %v", err)
	}
	var count int
	if err := svc.db.Get(&count, `SELECT COUNT(*) FROM message_embeddings WHERE conversation_id = ?`, conv.ID); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("embedding count = %d, want 1", count)
	}

	exists, err := svc.HasEmbedding(context.Background(), conv.ID, "same text")
	if err != nil || !exists {
		t.Fatalf("HasEmbedding = %v, %v; want true, nil", exists, err)
	}
}

func TestFindSimilarThresholdAndOrder(t *testing.T) {
	svc := newTestService(t)
	user := registerTestUser(t, svc, "alice")
	conv, _ := svc.CreateConversation(context.Background(), user.ID, "vec")

	// Orthogonal vector scores 0, identical scores 1, diagonal scores ~0.707.
	must := func(role models.Role, content string, vec []float32) {
		t.Helper()
		if err := svc.StoreEmbedding(context.Background(), conv.ID, role, content, vec); err != nil {
			t.Fatalf("store %q: %v", content, err)
		}
	}
	must(models.RoleUser, "identical", []float32{1, 0})
	must(models.RoleUser, "diagonal", []float32{1, 1})
	must(models.RoleUser, "orthogonal", []float32{0, 1})

	hits, err := svc.FindSimilar(context.Background(), conv.ID, []float32{1, 0}, 3, 0.70)
	if err != nil {
		t.Fatalf("find similar: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hit count = %d, want 2 (orthogonal below threshold)", len(hits))
	}
	if hits[0].Content != "identical" || hits[1].Content != "diagonal" {
		t.Fatalf("unexpected ranking: %+v", hits)
	}

	top1, err := svc.FindSimilar(context.Background(), conv.ID, []float32{1, 0}, 1, 0.70)
	if err != nil {
		t.Fatalf("find similar topK=1: %v", err)
	}
	if len(top1) != 1 || top1[0].Content != "identical" {
		t.Fatalf("topK=1 should keep only best hit: %+v", top1)
	}
}

package cache

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
)

func newTestHistory(t *testing.T, maxTurns int) *History {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	cfg := &config.Config{}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		cfg.Redis.Host = host
		cfg.Redis.Port, _ = strconv.Atoi(port)
	} else {
		cfg.Redis.Host = addr
	}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewHistory(client, maxTurns, time.Minute, nil)
}

func TestHistoryAppendTrimsToWindow(t *testing.T) {
	h := newTestHistory(t, 2)
	convID := time.Now().UnixNano()
	t.Cleanup(func() { h.Purge(context.Background(), convID) })

	for i := 0; i < 6; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		h.Append(context.Background(), convID, role, fmt.Sprintf("turn %d", i))
	}

	turns := h.Recent(context.Background(), convID)
	if len(turns) != 4 {
		t.Fatalf("window length = %d, want 4 (2 turn pairs)", len(turns))
	}
	if turns[0].Content != "turn 2" || turns[3].Content != "turn 5" {
		t.Fatalf("unexpected window: %+v", turns)
	}
}

func TestHistoryRecentChronological(t *testing.T) {
	h := newTestHistory(t, 7)
	convID := time.Now().UnixNano()
	t.Cleanup(func() { h.Purge(context.Background(), convID) })

	h.Append(context.Background(), convID, models.RoleUser, "question")
	h.Append(context.Background(), convID, models.RoleAssistant, "answer")

	turns := h.Recent(context.Background(), convID)
	if len(turns) != 2 {
		t.Fatalf("turn count = %d, want 2", len(turns))
	}
	if turns[0].Role != models.RoleUser || turns[1].Role != models.RoleAssistant {
		t.Fatalf("roles out of order: %+v", turns)
	}
}

func TestHistoryPurge(t *testing.T) {
	h := newTestHistory(t, 7)
	convID := time.Now().UnixNano()

	h.Append(context.Background(), convID, models.RoleUser, "gone soon")
	h.Purge(context.Background(), convID)

	if turns := h.Recent(context.Background(), convID); len(turns) != 0 {
		t.Fatalf("expected empty history after purge, got %+v", turns)
	}
}

func TestHistoryNilSafe(t *testing.T) {
	var h *History
	h.Append(context.Background(), 1, models.RoleUser, "ignored")
	if turns := h.Recent(context.Background(), 1); turns != nil {
		t.Fatalf("nil history should return nil, got %+v", turns)
	}
	h.Purge(context.Background(), 1)
}

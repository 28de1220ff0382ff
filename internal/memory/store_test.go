package memory

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func testStore(t *testing.T, maxMessages int) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db, maxMessages)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestGetOrCreateConversation(t *testing.T) {
	s := testStore(t, 0)

	conv, err := s.GetOrCreateConversation("conv-1", "chamber-1")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	if conv.ID != "conv-1" || conv.Chamber != "chamber-1" {
		t.Errorf("conv = %+v", conv)
	}

	// Idempotent.
	if _, err := s.GetOrCreateConversation("conv-1", "chamber-1"); err != nil {
		t.Fatalf("second GetOrCreateConversation: %v", err)
	}
	convs, err := s.ListConversations()
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 1 {
		t.Errorf("got %d conversations, want 1", len(convs))
	}
}

func TestAddAndGetMessages(t *testing.T) {
	s := testStore(t, 0)

	if err := s.AddMessage("conv-1", "chamber-1", "user", "How do my oysters look?"); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if err := s.AddMessage("conv-1", "chamber-1", "assistant", "Healthy, keep misting."); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	msgs := s.GetMessages("conv-1")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("messages out of order: %q then %q", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].Content != "Healthy, keep misting." {
		t.Errorf("content = %q", msgs[1].Content)
	}
}

func TestGetMessagesCapped(t *testing.T) {
	s := testStore(t, 4)

	for i := range 10 {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if err := s.AddMessage("conv-1", "chamber-1", role, fmt.Sprintf("message %d", i)); err != nil {
			t.Fatalf("AddMessage %d: %v", i, err)
		}
	}

	msgs := s.GetMessages("conv-1")
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want cap of 4", len(msgs))
	}
	// The cap keeps the most recent turns, still in chronological order.
	if msgs[0].Content != "message 6" || msgs[3].Content != "message 9" {
		t.Errorf("kept wrong window: first=%q last=%q", msgs[0].Content, msgs[3].Content)
	}
}

func TestGetMessagesUnknownConversation(t *testing.T) {
	s := testStore(t, 0)
	if msgs := s.GetMessages("nope"); len(msgs) != 0 {
		t.Errorf("got %d messages for unknown conversation", len(msgs))
	}
}

func TestGetConversation(t *testing.T) {
	s := testStore(t, 0)
	if err := s.AddMessage("conv-1", "chamber-2", "user", "hi"); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	conv := s.GetConversation("conv-1")
	if conv == nil {
		t.Fatal("GetConversation returned nil")
	}
	if conv.Chamber != "chamber-2" || len(conv.Messages) != 1 {
		t.Errorf("conv = %+v", conv)
	}

	if got := s.GetConversation("missing"); got != nil {
		t.Errorf("expected nil for missing conversation, got %+v", got)
	}
}

func TestListConversationsOrder(t *testing.T) {
	s := testStore(t, 0)
	if err := s.AddMessage("conv-a", "chamber-1", "user", "first"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddMessage("conv-b", "chamber-2", "user", "second"); err != nil {
		t.Fatal(err)
	}
	// Touch conv-a again so it becomes the most recently updated.
	if err := s.AddMessage("conv-a", "chamber-1", "assistant", "reply"); err != nil {
		t.Fatal(err)
	}

	convs, err := s.ListConversations()
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].ID != "conv-a" {
		t.Errorf("first conversation = %q, want conv-a (most recently updated)", convs[0].ID)
	}
	if len(convs[0].Messages) != 0 {
		t.Error("ListConversations should not load messages")
	}
}

func TestClear(t *testing.T) {
	s := testStore(t, 0)
	if err := s.AddMessage("conv-1", "chamber-1", "user", "hi"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddMessage("conv-2", "chamber-1", "user", "hi"); err != nil {
		t.Fatal(err)
	}

	if err := s.Clear("conv-1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if got := s.GetConversation("conv-1"); got != nil {
		t.Error("conversation should be gone after Clear")
	}
	if got := s.GetConversation("conv-2"); got == nil {
		t.Error("Clear should not touch other conversations")
	}

	stats := s.Stats()
	if stats["conversations"] != 1 || stats["messages"] != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestDefaultMaxMessages(t *testing.T) {
	s := testStore(t, 0)
	if s.maxMessages != 40 {
		t.Errorf("default maxMessages = %d, want 40", s.maxMessages)
	}
}

func TestGetMessagesBreaksTimestampTies(t *testing.T) {
	s := testStore(t, 0)

	if _, err := s.GetOrCreateConversation("conv-1", "chamber-1"); err != nil {
		t.Fatal(err)
	}

	// A user/assistant pair can land on the same clock tick; the
	// UUIDv7 id must keep insert order on replay.
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, m := range []struct{ role, content string }{
		{"user", "How do my oysters look?"},
		{"assistant", "Healthy, keep misting."},
	} {
		id := fmt.Sprintf("018f0000-0000-7000-8000-00000000000%d", i)
		if _, err := s.db.Exec(`
			INSERT INTO messages (id, conversation_id, role, content, timestamp)
			VALUES (?, 'conv-1', ?, ?, ?)
		`, id, m.role, m.content, ts); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	msgs := s.GetMessages("conv-1")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("tied timestamps replayed out of order: %s then %s", msgs[0].Role, msgs[1].Role)
	}
}

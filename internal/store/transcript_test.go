package store

import (
	"path/filepath"
	"testing"

	"aide/internal/types"
)

func openTestStore(t *testing.T) *TranscriptStore {
	t.Helper()
	s, err := OpenTranscriptStore(filepath.Join(t.TempDir(), "transcripts.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndLoadPreservesOrder(t *testing.T) {
	s := openTestStore(t)
	messages := []types.Message{
		{ID: "1", Sender: types.SenderUser, Text: "hi"},
		{ID: "2", Sender: types.SenderBot, Text: "hello"},
		{ID: "3", Sender: types.SenderCommand, Command: &types.CommandResult{
			Command: "$ ls",
			Output:  "a.go",
			Success: types.BoolPtr(true),
		}},
	}
	for _, message := range messages {
		if err := s.Append("conv-1", message); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := s.Load("conv-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != len(messages) {
		t.Fatalf("got %d messages, want %d", len(got), len(messages))
	}
	for i := range messages {
		if got[i].ID != messages[i].ID || got[i].Sender != messages[i].Sender {
			t.Fatalf("message %d mismatch: %+v", i, got[i])
		}
	}
	if got[2].Command == nil || got[2].Command.Command != "$ ls" {
		t.Fatalf("command payload lost: %+v", got[2])
	}
}

func TestLoadMissingConversationIsEmpty(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Load("nope")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty transcript, got %d", len(got))
	}
}

func TestClearOneConversation(t *testing.T) {
	s := openTestStore(t)
	_ = s.Append("a", types.Message{ID: "1", Sender: types.SenderUser, Text: "x"})
	_ = s.Append("b", types.Message{ID: "2", Sender: types.SenderUser, Text: "y"})

	if err := s.Clear("a"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got, _ := s.Load("a"); len(got) != 0 {
		t.Fatal("cleared conversation should be empty")
	}
	if got, _ := s.Load("b"); len(got) != 1 {
		t.Fatal("other conversations must survive")
	}
	// Clearing a missing conversation is not an error.
	if err := s.Clear("missing"); err != nil {
		t.Fatalf("clear missing: %v", err)
	}
}

func TestClearAllConversations(t *testing.T) {
	s := openTestStore(t)
	_ = s.Append("a", types.Message{ID: "1", Sender: types.SenderUser, Text: "x"})
	_ = s.Append("b", types.Message{ID: "2", Sender: types.SenderUser, Text: "y"})

	if err := s.Clear(""); err != nil {
		t.Fatalf("clear all: %v", err)
	}
	ids, err := s.Conversations()
	if err != nil {
		t.Fatalf("conversations: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no conversations, got %v", ids)
	}
}

func TestAppendRequiresConversationID(t *testing.T) {
	s := openTestStore(t)
	if err := s.Append("  ", types.Message{ID: "1"}); err == nil {
		t.Fatal("blank conversation id must be rejected")
	}
}

package history

import (
	"fmt"
	"testing"

	"github.com/fernwerk/famulus/internal/taskstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := taskstore.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := New(db)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestStore_AddAndListMessages(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.AddMessage("session-1", "user", "what's on today?"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddMessage("session-1", "assistant", "two meetings"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddMessage("session-2", "user", "unrelated"); err != nil {
		t.Fatal(err)
	}

	msgs, err := store.Messages("session-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	// Conversation order is oldest first.
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("order = %s, %s", msgs[0].Role, msgs[1].Role)
	}
}

func TestStore_MessagesLimit(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		if _, err := store.AddMessage("session-1", "user", fmt.Sprintf("message %d", i)); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := store.Messages("session-1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Errorf("messages = %d, want 3", len(msgs))
	}
}

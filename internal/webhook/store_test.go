package webhook

import (
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

func TestStore_DefinitionRoundTrip(t *testing.T) {
	store := newTestStore(t)

	def, err := store.CreateDefinition("deploy-hook", []string{"telegram", "ws"})
	if err != nil {
		t.Fatal(err)
	}

	got, err := store.GetDefinition(def.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "deploy-hook" {
		t.Errorf("Name = %q", got.Name)
	}
	if len(got.NotifyChannels) != 2 || got.NotifyChannels[0] != "telegram" {
		t.Errorf("NotifyChannels = %v", got.NotifyChannels)
	}

	if _, err := store.GetDefinition("nope"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_DefinitionWithoutChannels(t *testing.T) {
	store := newTestStore(t)

	def, err := store.CreateDefinition("silent-hook", nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := store.GetDefinition(def.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.NotifyChannels) != 0 {
		t.Errorf("NotifyChannels = %v, want empty", got.NotifyChannels)
	}
}

func TestStore_NotificationLifecycle(t *testing.T) {
	store := newTestStore(t)

	def, err := store.CreateDefinition("deploy-hook", nil)
	if err != nil {
		t.Fatal(err)
	}
	n, err := store.CreateNotification(def.ID, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if n.Status != "pending" {
		t.Errorf("Status = %q, want pending", n.Status)
	}

	if err := store.UpdateNotification(n.ID, "completed", "deployed v2"); err != nil {
		t.Fatal(err)
	}

	got, err := store.NotificationForTask("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "completed" || got.Result != "deployed v2" {
		t.Errorf("got = %+v", got)
	}

	if _, err := store.NotificationForTask("task-2"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

package storage

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustRegister(t *testing.T, store *Store) string {
	t.Helper()

	token, err := store.Register(context.Background(), "alice", "https://relay.example")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return token
}

func mustDeliver(t *testing.T, store *Store, sender, text string) string {
	t.Helper()

	message, err := store.DeliverIncoming(context.Background(), sender, text, "")
	if err != nil {
		t.Fatalf("deliver incoming from %q: %v", sender, err)
	}
	return message.ID
}

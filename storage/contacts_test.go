package storage

import (
	"context"
	"errors"
	"testing"
)

func TestContactCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AddContact(ctx, "zed", "peer-z"); err != nil {
		t.Fatalf("AddContact zed failed: %v", err)
	}
	if err := store.AddContact(ctx, "bob", "peer-b"); err != nil {
		t.Fatalf("AddContact bob failed: %v", err)
	}
	if err := store.AddContact(ctx, "bob", "peer-b2"); err != nil {
		t.Fatalf("AddContact bob again failed: %v", err)
	}

	contacts, err := store.LoadContacts(ctx)
	if err != nil {
		t.Fatalf("LoadContacts failed: %v", err)
	}
	if len(contacts) != 2 {
		t.Fatalf("expected 2 contacts, got %d", len(contacts))
	}
	if contacts[0].Nickname != "bob" || contacts[0].RoutingToken != "peer-b2" {
		t.Fatalf("expected bob repointed and sorted first, got %+v", contacts[0])
	}

	if err := store.RemoveContact(ctx, "bob"); err != nil {
		t.Fatalf("RemoveContact failed: %v", err)
	}
	if err := store.RemoveContact(ctx, "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second remove, got %v", err)
	}

	if err := store.AddContact(ctx, "", "peer-x"); err == nil {
		t.Fatalf("expected empty nickname error")
	}
	if err := store.AddContact(ctx, "x", " "); err == nil {
		t.Fatalf("expected empty token error")
	}
}

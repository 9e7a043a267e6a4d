package templates

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"voiceform/internal/ports"
	"voiceform/internal/template"
)

func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	store, err := NewPostgresStore(context.Background(), url, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestIntegration_PostgresTemplateLifecycle(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	// Key order must survive storage.
	created, err := store.Create(ctx, "Integration", template.Parse("Zeta: b, a\nAlpha: c"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { _ = store.Delete(context.Background(), created.ID) })

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rendered := template.Render(got.Spec); rendered != "Zeta: b, a\nAlpha: c" {
		t.Fatalf("order not preserved: %q", rendered)
	}

	updated, err := store.Update(ctx, created.ID, "Integration v2", template.Parse("A: x"))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "Integration v2" {
		t.Fatalf("unexpected name: %q", updated.Name)
	}

	copied, err := store.Duplicate(ctx, created.ID)
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	t.Cleanup(func() { _ = store.Delete(context.Background(), copied.ID) })
	if copied.Name != "Integration v2 (copy)" {
		t.Fatalf("unexpected copy name: %q", copied.Name)
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := 0
	for _, record := range list {
		if record.ID == created.ID || record.ID == copied.ID {
			found++
		}
	}
	if found != 2 {
		t.Fatalf("expected both templates listed, found %d", found)
	}

	if err := store.Delete(ctx, copied.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, copied.ID); !errors.Is(err, ports.ErrTemplateNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.Get(ctx, "not-a-uuid"); !errors.Is(err, ports.ErrTemplateNotFound) {
		t.Fatalf("expected not found for malformed id, got %v", err)
	}
}

package identity

import (
	"context"
	"errors"
	"os/user"
	"testing"
)

func TestProviderPrefersConfiguredName(t *testing.T) {
	t.Parallel()

	provider := NewProvider(" Ada Lovelace ", "ada@example.com")
	provider.current = func() (*user.User, error) {
		t.Fatalf("os lookup should not run when a name is configured")
		return nil, nil
	}

	got, err := provider.CurrentUser(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != "Ada Lovelace" || got.Email != "ada@example.com" {
		t.Fatalf("unexpected user: %+v", got)
	}
}

func TestProviderFallsBackToAccount(t *testing.T) {
	t.Parallel()

	provider := NewProvider("", "")
	provider.current = func() (*user.User, error) {
		return &user.User{Username: "ada"}, nil
	}
	got, err := provider.CurrentUser(context.Background())
	if err != nil || got.Name != "ada" {
		t.Fatalf("unexpected result: %+v %v", got, err)
	}

	provider.current = func() (*user.User, error) {
		return nil, errors.New("no passwd entry")
	}
	if _, err := provider.CurrentUser(context.Background()); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected unknown user, got %v", err)
	}
}

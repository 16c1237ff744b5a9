package app

import (
	"context"
	"errors"
	"testing"
)

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user, token, err := env.app.Register(ctx, " Alice ", "Alice@Example.com", "Str0ng#Password!")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Name != "Alice" || user.Email != "alice@example.com" || token != "token-"+user.ID {
		t.Fatalf("unexpected registration result: %+v %q", user, token)
	}
	if user.PasswordHash == "" || user.PasswordHash == "Str0ng#Password!" {
		t.Fatalf("expected hashed password")
	}

	if _, _, err := env.app.Register(ctx, "Alice2", "alice@example.com", "Str0ng#Password!"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on duplicate email, got %v", err)
	}

	got, token, err := env.app.Login(ctx, "ALICE@example.com", "Str0ng#Password!")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != user.ID || token == "" {
		t.Fatalf("unexpected login result: %+v %q", got, token)
	}
	if _, _, err := env.app.Login(ctx, "alice@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, _, err := env.app.Login(ctx, "nobody@example.com", "Str0ng#Password!"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unknown email to be unauthenticated, got %v", err)
	}
}

func TestRegisterValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, _, err := env.app.Register(ctx, "", "a@example.com", "Str0ng#Password!"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected missing name to fail, got %v", err)
	}
	if _, _, err := env.app.Register(ctx, "A", "a@example.com", "weak"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected weak password to fail, got %v", err)
	}
}

func TestUserNotFound(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.app.User(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

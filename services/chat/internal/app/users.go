package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"relaychat/pkg/auth"
	"relaychat/pkg/domain"
	"relaychat/pkg/store"
)

// Register creates a user and returns it with a fresh access token.
func (a *App) Register(ctx context.Context, name, email, password string) (domain.User, string, error) {
	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" || email == "" || password == "" {
		return domain.User{}, "", ErrRegistrationFieldsRequired
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, "", fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	exists, err := a.store.HasUserEmail(ctx, email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("check email: %w", err)
	}
	if exists {
		return domain.User{}, "", ErrEmailAlreadyExists
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, "", err
	}
	now := a.timestamp()
	user := domain.User{
		ID:           a.newID(),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.SaveUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrInvalidRecord) {
			return domain.User{}, "", ErrEmailAlreadyExists
		}
		return domain.User{}, "", fmt.Errorf("save user: %w", err)
	}
	return a.issueToken(user)
}

// Login verifies credentials and returns the user with a fresh access token.
func (a *App) Login(ctx context.Context, email, password string) (domain.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	return a.issueToken(user)
}

// User returns a user by ID.
func (a *App) User(ctx context.Context, id string) (domain.User, error) {
	user, ok, err := a.store.GetUserByID(ctx, id)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	return user, nil
}

func (a *App) issueToken(user domain.User) (domain.User, string, error) {
	if a.tokens == nil {
		return domain.User{}, "", errors.New("token issuer not configured")
	}
	token, err := a.tokens.Issue(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue access token: %w", err)
	}
	return user, token, nil
}

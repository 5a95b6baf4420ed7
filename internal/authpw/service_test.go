package authpw

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"margin/api/internal/store"
)

type memUserStore struct {
	users map[string]store.User
}

func newMemUserStore() *memUserStore {
	return &memUserStore{users: make(map[string]store.User)}
}

func (m *memUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	user, ok := m.users[email]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memUserStore) CreateUser(_ context.Context, user store.User) error {
	m.users[user.Email] = user
	return nil
}

func TestSignUpAndSignIn(t *testing.T) {
	svc := NewService(newMemUserStore())
	ctx := context.Background()

	user, err := svc.SignUp(ctx, SignUpRequest{
		Email:       "Priya@Example.com",
		Password:    "correct-horse",
		DisplayName: "Priya",
	})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if user.Email != "priya@example.com" {
		t.Errorf("email not normalized: %q", user.Email)
	}
	if user.PasswordHash == "correct-horse" {
		t.Error("password stored in the clear")
	}

	got, err := svc.SignIn(ctx, "priya@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("SignIn returned wrong user: %q", got.ID)
	}
}

func TestSignInRejectsWrongPassword(t *testing.T) {
	svc := NewService(newMemUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "a@b.com", Password: "password-1"}); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if _, err := svc.SignIn(ctx, "a@b.com", "password-2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.SignIn(ctx, "nobody@b.com", "password-1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}

func TestSignUpRejectsDuplicateEmail(t *testing.T) {
	svc := NewService(newMemUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "a@b.com", Password: "password-1"}); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "a@b.com", Password: "password-2"}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestSignUpValidation(t *testing.T) {
	svc := NewService(newMemUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "not-an-email", Password: "password-1"}); err == nil {
		t.Error("expected error for invalid email")
	}
	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "a@b.com", Password: "short"}); err == nil {
		t.Error("expected error for short password")
	}
}

package auth

import (
	"errors"
	"testing"
)

func TestHashPasswordAndCheckPasswordBcrypt(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if hash == "" || hash == "s3cret" {
		t.Fatalf("expected opaque hash, got %q", hash)
	}
	if !CheckPassword("s3cret", hash) {
		t.Fatalf("expected password check to pass")
	}
	if CheckPassword("wrong", hash) {
		t.Fatalf("expected password check to fail")
	}
	if CheckPassword("s3cret", "not-a-hash") {
		t.Fatalf("expected malformed hash to fail")
	}
}

func TestValidatePassword(t *testing.T) {
	if err := ValidatePassword("Str0ng#Password!"); err != nil {
		t.Fatalf("expected valid password, got: %v", err)
	}
	if err := ValidatePassword("short1!A"); !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("expected short password to fail, got: %v", err)
	}
	weak := []string{"alllowercase123!", "ALLUPPERCASE123!", "NoDigitsHere!!!", "NoSpecials1234"}
	for _, pw := range weak {
		if err := ValidatePassword(pw); !errors.Is(err, ErrPasswordTooWeak) {
			t.Fatalf("%q: expected weak password error, got: %v", pw, err)
		}
	}
}

package util

import "github.com/google/uuid"

// NewID returns a random UUIDv4 string.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether raw parses as a UUID.
func ValidID(raw string) bool {
	_, err := uuid.Parse(raw)
	return err == nil
}

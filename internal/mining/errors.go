package mining

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrInvalidInput is a missing or malformed device id.
	ErrInvalidInput = errors.New("invalid device id")
	// ErrNotFound is an operation that requires an existing record.
	ErrNotFound = errors.New("miner record not found")
	// ErrUnavailable wraps store failures. Callers may retry.
	ErrUnavailable = errors.New("store unavailable")
	// ErrUnauthorized is a sweep or reset without the shared secret.
	ErrUnauthorized = errors.New("unauthorized")
)

const maxDeviceIDLen = 128

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// ValidateDeviceID rejects ids that cannot be used as store keys.
func ValidateDeviceID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: missing", ErrInvalidInput)
	}
	if len(id) > maxDeviceIDLen {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidInput, maxDeviceIDLen)
	}
	if !deviceIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q contains unsupported characters", ErrInvalidInput, id)
	}
	return nil
}

func unavailable(op, id string, err error) error {
	return fmt.Errorf("%s %s: %w: %w", op, id, ErrUnavailable, err)
}

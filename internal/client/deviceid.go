package client

import (
	"crypto/rand"
	"fmt"

	"github.com/mr-tron/base58"
)

const deviceIDPrefix = "dev-"

// NewDeviceID returns a random device id for clients that have none stored.
func NewDeviceID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("device id: %w", err)
	}
	return deviceIDPrefix + base58.Encode(b), nil
}

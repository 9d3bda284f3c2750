package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// keyBytes gives 128 bits of entropy. The join key is the only credential a
// subscriber presents, so it must stay unguessable.
const keyBytes = 16

func generateKey() (string, error) {
	buf := make([]byte, keyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func generateID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

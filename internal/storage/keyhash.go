package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyDigestSaltLength = 16
	keyDigestKeyLength  = 32
	keyDigestIterations = 120000
)

// errKeyMismatch is returned when a candidate join key does not match the
// stored digest.
var errKeyMismatch = errors.New("join key mismatch")

// DigestKey derives an irreversible digest of a session join key for the
// archive. The key is the only credential attached to a session, so it is
// never persisted in clear.
func DigestKey(key string) (string, error) {
	salt := make([]byte, keyDigestSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(key), salt, keyDigestIterations, keyDigestKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", keyDigestIterations, encodedSalt, encodedKey), nil
}

// verifyKey checks a candidate join key against a stored digest.
func verifyKey(encodedDigest, candidate string) error {
	parts := strings.Split(encodedDigest, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify key: invalid digest format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify key: unsupported digest identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify key: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify key: decode salt: %w", err)
	}
	stored, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify key: decode digest: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(stored), sha256.New)
	if len(derived) != len(stored) || subtle.ConstantTimeCompare(derived, stored) != 1 {
		return errKeyMismatch
	}
	return nil
}

// Package usecase contains the application services: auth and sessions,
// conversations, datasets, chat orchestration, settings and usage.
package usecase

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// credentialSalt namespaces the hash. Session tokens and referral keys carry
// 256 bits of entropy, so a per-credential salt adds nothing; a fixed salt
// keeps the hash deterministic for lookup by hash.
var credentialSalt = []byte("ai-data-analyst.credential.v1")

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

// GenerateToken returns a fresh 256-bit URL-safe credential.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("op=usecase.GenerateToken: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashCredential derives the storage form of a session token or referral
// key with argon2id. Plaintext credentials never reach a repository.
func HashCredential(plaintext string) string {
	sum := argon2.IDKey([]byte(plaintext), credentialSalt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return hex.EncodeToString(sum)
}

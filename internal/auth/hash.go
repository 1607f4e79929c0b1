// Package auth hashes and verifies webhook trigger tokens.
//
// Tokens are hashed with Argon2id and encoded in PHC string format so
// hashes can live in configuration files and survive parameter changes.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	defaultTime    = 1
	defaultMemory  = 64 * 1024 // KiB
	defaultThreads = 4
	keyLen         = 32
	saltLen        = 16
)

// HashTriggerToken hashes a trigger token for storage in a workflow
// definition's TriggerTokenHash field.
func HashTriggerToken(token string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(token), salt, defaultTime, defaultMemory, defaultThreads, keyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, defaultMemory, defaultTime, defaultThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyTriggerToken checks a presented token against a PHC-encoded hash.
func VerifyTriggerToken(token, encoded string) (bool, error) {
	var version int
	var memory, iterations uint32
	var threads uint8
	var saltB64, hashB64 string

	n, err := fmt.Sscanf(encoded, "$argon2id$v=%d$m=%d,t=%d,p=%d$%s",
		&version, &memory, &iterations, &threads, &saltB64)
	if err != nil || n != 5 {
		return false, fmt.Errorf("auth: malformed token hash")
	}
	// Sscanf's %s is greedy: saltB64 still holds "salt$hash".
	for i := range saltB64 {
		if saltB64[i] == '$' {
			hashB64 = saltB64[i+1:]
			saltB64 = saltB64[:i]
			break
		}
	}
	if hashB64 == "" {
		return false, fmt.Errorf("auth: malformed token hash")
	}
	if version != argon2.Version {
		return false, fmt.Errorf("auth: unsupported argon2 version %d", version)
	}

	salt, err := base64.RawStdEncoding.DecodeString(saltB64)
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	expected, err := base64.RawStdEncoding.DecodeString(hashB64)
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}

	computed := argon2.IDKey([]byte(token), salt, iterations, memory, threads, uint32(len(expected)))
	return subtle.ConstantTimeCompare(expected, computed) == 1, nil
}

// DummyVerify burns the same work as a real verification. Call it on
// rejection paths where no hash was checked so response timing does not
// reveal whether a workflow has a token configured.
func DummyVerify() {
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), defaultTime, defaultMemory, defaultThreads, keyLen)
}

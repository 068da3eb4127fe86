package fleet

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// NewDeviceToken generates a random bearer token and its salted hash. The
// raw token is returned exactly once at registration; only salt and hash
// are persisted.
func NewDeviceToken() (token, salt, hash string, err error) {
	rawToken := make([]byte, 32)
	if _, err = rand.Read(rawToken); err != nil {
		return "", "", "", fmt.Errorf("generate device token: %w", err)
	}
	rawSalt := make([]byte, 16)
	if _, err = rand.Read(rawSalt); err != nil {
		return "", "", "", fmt.Errorf("generate token salt: %w", err)
	}
	token = hex.EncodeToString(rawToken)
	salt = hex.EncodeToString(rawSalt)
	return token, salt, HashToken(salt, token), nil
}

// HashToken returns the hex SHA-256 of salt||token.
func HashToken(salt, token string) string {
	sum := sha256.Sum256([]byte(salt + token))
	return hex.EncodeToString(sum[:])
}

// VerifyToken reports whether the presented token matches the stored salted
// hash, in constant time.
func VerifyToken(salt, storedHash, presented string) bool {
	computed := HashToken(salt, presented)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

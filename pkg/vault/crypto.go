package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// keySize is the byte length of the master key and every site DEK.
const keySize = 32

// masterKeyIterations is the PBKDF2 work factor for master key derivation.
const masterKeyIterations = 100_000

// masterKeySalt is the fixed derivation salt. Changing it invalidates
// every wrapped site key.
var masterKeySalt = []byte("hashplane.vault.master.v1")

// DeriveMasterKey stretches the operator-supplied secret into the 256-bit
// master key with PBKDF2-HMAC-SHA256. Deliberately slow; call once per
// process and keep the result.
func DeriveMasterKey(secret string) []byte {
	return pbkdf2.Key([]byte(secret), masterKeySalt, masterKeyIterations, keySize, sha256.New)
}

// NewDEK returns a fresh random 256-bit data-encryption key.
func NewDEK() ([]byte, error) {
	dek := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}
	return dek, nil
}

// seal encrypts plaintext with AES-256-GCM under key and returns
// nonce||ciphertext. The nonce is random per call.
func seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, len(nonce), len(nonce)+len(plaintext)+aead.Overhead())
	copy(out, nonce)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// open decrypts a nonce||ciphertext blob produced by seal.
func open(key, blob []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(blob))
	}
	nonce, ct := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return aead, nil
}

// WrapDEK encrypts a site DEK under the master key for storage.
func WrapDEK(masterKey, dek []byte) (string, error) {
	blob, err := seal(masterKey, dek)
	if err != nil {
		return "", fmt.Errorf("wrap site key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// UnwrapDEK recovers a site DEK from its stored wrapped form.
func UnwrapDEK(masterKey []byte, wrapped string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("decode wrapped site key: %w", err)
	}
	dek, err := open(masterKey, blob)
	if err != nil {
		return nil, fmt.Errorf("unwrap site key: %w", err)
	}
	return dek, nil
}

// EncryptValue encrypts a credential value under a site DEK and returns it
// in stored form, PrefixEncrypted followed by base64(nonce||ciphertext).
func EncryptValue(dek []byte, value string) (string, error) {
	blob, err := seal(dek, []byte(value))
	if err != nil {
		return "", fmt.Errorf("encrypt credential: %w", err)
	}
	return PrefixEncrypted + base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(dek []byte, stored string) (string, error) {
	if len(stored) <= len(PrefixEncrypted) || stored[:len(PrefixEncrypted)] != PrefixEncrypted {
		return "", fmt.Errorf("value is not envelope-encrypted")
	}
	blob, err := base64.StdEncoding.DecodeString(stored[len(PrefixEncrypted):])
	if err != nil {
		return "", fmt.Errorf("decode credential: %w", err)
	}
	plaintext, err := open(dek, blob)
	if err != nil {
		return "", fmt.Errorf("decrypt credential: %w", err)
	}
	return string(plaintext), nil
}

// Fingerprint returns a 16-hex-char truncated SHA-256 of the credential
// content. It identifies duplicate or changed credentials without
// revealing them.
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:16]
}

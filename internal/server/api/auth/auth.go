// Package auth secures management API sessions with a shared password.
//
// A client opens with a hello (magic, nonce, proof of the password) and the
// server answers with its own nonce and proof. Both sides then derive one
// ChaCha20-Poly1305 key per direction from the password key and the nonces.
package auth

import (
	"crypto/hmac"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"errors"
)

const (
	GeneratedKeyLength = 16
	keyAlphabet        = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	kdfIterations      = 100000
	kdfSalt            = "usbtunnel-api-key-v1"
	keySize            = 32
)

var ErrEmptyPassword = errors.New("auth: password cannot be empty")

// GenerateKey returns a random base62 password.
func GenerateKey() (string, error) {
	raw := make([]byte, GeneratedKeyLength)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	for i, b := range raw {
		raw[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return string(raw), nil
}

// DeriveKey stretches a password into the 32 byte key used for proofs and
// session keys.
func DeriveKey(password string) ([]byte, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	return pbkdf2.Key(sha256.New, password, []byte(kdfSalt), kdfIterations, keySize)
}

// SessionKeys holds one AEAD key per direction.
type SessionKeys struct {
	ClientToServer []byte
	ServerToClient []byte
}

// DeriveSessionKeys mixes the password key with both nonces.
func DeriveSessionKeys(key, clientNonce, serverNonce []byte) SessionKeys {
	return SessionKeys{
		ClientToServer: mac(key, "usbtunnel-c2s-v1", clientNonce, serverNonce),
		ServerToClient: mac(key, "usbtunnel-s2c-v1", clientNonce, serverNonce),
	}
}

func mac(key []byte, label string, parts ...[]byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(label))
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

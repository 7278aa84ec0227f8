// Package lastfm implements the small key-derivation helper that protects a
// stored Last.fm session key at rest. Scrobbling itself is an external
// collaborator outside this subsystem's scope (see spec.md §1); this file
// only carries the HKDF/AES-GCM box described in SPEC_FULL.md's design
// notes so the JWT secret is never used as a raw AES key.
package lastfm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// sessionBoxLabel and sessionBoxInfo are domain separators, not secrets.
const (
	sessionBoxLabel = "soundtime-lastfm-session-v1"
	sessionBoxInfo  = "soundtime-lastfm-session-box"
)

// deriveKey expands jwtSecret into a 32-byte AES-256 key via HKDF-SHA256,
// using the label and info strings above as domain separators.
func deriveKey(jwtSecret string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(jwtSecret), []byte(sessionBoxLabel), []byte(sessionBoxInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("lastfm: deriving key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext (a Last.fm session key) under a key derived from
// jwtSecret, returning nonce||ciphertext. A fresh 96-bit random nonce is
// generated per call; nonces are never reused.
func Seal(jwtSecret string, plaintext []byte) ([]byte, error) {
	key, err := deriveKey(jwtSecret)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("lastfm: generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func Open(jwtSecret string, blob []byte) ([]byte, error) {
	key, err := deriveKey(jwtSecret)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, errors.New("lastfm: ciphertext too short")
	}
	nonce, ct := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

// Package security provides tamper tags for records persisted in the
// shared store. Records written by one process are verified by another, so
// the tag key must be shared configuration.
package security

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/nacl/auth"
)

// Signer computes and verifies keyed integrity tags over raw record bytes.
// A nil Signer is a no-op: Tag returns "" and Verify accepts everything.
type Signer struct {
	key [32]byte
}

// NewSigner derives the tag key from the shared secret. Returns nil when
// the secret is empty so callers can wire integrity checking optionally.
func NewSigner(secret string) *Signer {
	if secret == "" {
		return nil
	}
	s := &Signer{key: sha256.Sum256([]byte(secret))}
	return s
}

// Tag returns the hex-encoded authenticator for b.
func (s *Signer) Tag(b []byte) string {
	if s == nil {
		return ""
	}
	sum := auth.Sum(b, &s.key)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether tag authenticates b.
func (s *Signer) Verify(b []byte, tag string) bool {
	if s == nil {
		return true
	}
	raw, err := hex.DecodeString(tag)
	if err != nil || len(raw) != auth.Size {
		return false
	}
	var sum [auth.Size]byte
	copy(sum[:], raw)
	return auth.Verify(sum[:], b, &s.key)
}

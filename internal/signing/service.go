// Package signing derives electronic signatures for ledger records.
//
// Signatures are deterministic keyed digests (HMAC-SHA256) over a record's
// chain hash, so an external verifier holding the same key material can
// recompute and confirm them. No randomness enters the derivation.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	dErrors "github.com/Maybe-Sama/eureka-connect-sub003/pkg/domain-errors"
)

// keyContext domain-separates ledger signing keys from any other use of the
// deployment secret.
const keyContext = "fiscal-ledger-record-signature-v1"

// Service signs record hashes with key material derived from the configured
// issuer secret.
type Service struct {
	key []byte
}

// New derives the signing key from the issuer secret via HKDF-SHA256. An
// empty secret yields a service whose Sign always fails with
// SigningUnavailable: issuance fails closed rather than emitting unsigned
// records.
func New(issuerSecret string) (*Service, error) {
	if issuerSecret == "" {
		return &Service{}, nil
	}
	reader := hkdf.New(sha256.New, []byte(issuerSecret), nil, []byte(keyContext))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	return &Service{key: key}, nil
}

// Available reports whether key material is configured.
func (s *Service) Available() bool { return len(s.key) > 0 }

// Sign produces the hex signature for a chain hash. Fails with
// SigningUnavailable when key material is absent.
func (s *Service) Sign(hash string) (string, error) {
	if !s.Available() {
		return "", dErrors.New(dErrors.CodeSigningUnavailable, "signing key material is not configured")
	}
	if hash == "" {
		return "", dErrors.New(dErrors.CodeValidation, "cannot sign an empty hash")
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(hash))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether signature matches hash under the configured key.
// Comparison is constant time.
func (s *Service) Verify(hash, signature string) bool {
	if !s.Available() {
		return false
	}
	expected, err := s.Sign(hash)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}

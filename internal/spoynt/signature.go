package spoynt

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
)

var (
	// ErrMissingSignature is returned when the signature header is absent.
	ErrMissingSignature = errors.New("missing webhook signature")

	// ErrInvalidSignature is returned when the presented signature does not
	// match the one computed over the raw body.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Sign computes the Spoynt callback signature over the raw body bytes:
// base64(sha1(secret + rawBody + secret)). The body must be the exact bytes
// received on the wire; re-serializing parsed JSON changes whitespace and key
// order and produces a different digest.
func Sign(secret string, rawBody []byte) string {
	h := sha1.New()
	h.Write([]byte(secret))
	h.Write(rawBody)
	h.Write([]byte(secret))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a presented X-Signature header value against the
// signature computed from the raw body. The comparison is constant-time.
func VerifySignature(secret string, rawBody []byte, presented string) error {
	if presented == "" {
		return ErrMissingSignature
	}
	expected := Sign(secret, rawBody)
	if !hmac.Equal([]byte(expected), []byte(presented)) {
		return ErrInvalidSignature
	}
	return nil
}

// Package crypto verifies signed callbacks from the payments collaborator.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrBadSignature   = errors.New("webhook: signature mismatch")
	ErrStaleTimestamp = errors.New("webhook: timestamp outside allowed skew")
)

// WebhookVerifier checks HMAC-SHA256 signatures over "<timestamp>.<body>".
// The signature is hex encoded, optionally prefixed with "sha256=".
type WebhookVerifier struct {
	secret  []byte
	maxSkew time.Duration
	now     func() time.Time
}

// NewWebhookVerifier creates a verifier. A non-positive maxSkew defaults to
// five minutes.
func NewWebhookVerifier(secret string, maxSkew time.Duration) *WebhookVerifier {
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return &WebhookVerifier{secret: []byte(secret), maxSkew: maxSkew, now: time.Now}
}

// Sign returns the signature for body sent at unixTS.
func (v *WebhookVerifier) Sign(unixTS int64, body []byte) string {
	return hmacSHA256Hex(v.secret, strconv.FormatInt(unixTS, 10), body)
}

// Verify checks signature against timestamp and body.
func (v *WebhookVerifier) Verify(timestamp, signature string, body []byte) error {
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("webhook: bad timestamp %q: %w", timestamp, ErrStaleTimestamp)
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < -v.maxSkew || skew > v.maxSkew {
		return ErrStaleTimestamp
	}

	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil {
		return ErrBadSignature
	}
	want, _ := hex.DecodeString(hmacSHA256Hex(v.secret, strconv.FormatInt(ts, 10), body))
	if !hmac.Equal(got, want) {
		return ErrBadSignature
	}
	return nil
}

func hmacSHA256Hex(key []byte, ts string, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (v *WebhookVerifier) String() string {
	s := string(v.secret)
	if len(s) > 4 {
		s = s[:4]
	}
	return fmt.Sprintf("WebhookVerifier{secret=%s****, max_skew=%s}", s, v.maxSkew)
}

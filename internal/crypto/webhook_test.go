package crypto

import (
	"errors"
	"strconv"
	"testing"
	"time"
)

func TestWebhookVerify(t *testing.T) {
	now := time.Unix(1_780_000_000, 0)
	v := NewWebhookVerifier("whsec-test", time.Minute)
	v.now = func() time.Time { return now }

	body := []byte(`{"id":"evt-1","type":"payment.captured"}`)
	ts := now.Unix()
	sig := v.Sign(ts, body)

	tests := []struct {
		name string
		ts   string
		sig  string
		body []byte
		want error
	}{
		{"valid", strconv.FormatInt(ts, 10), sig, body, nil},
		{"prefixed", strconv.FormatInt(ts, 10), "sha256=" + sig, body, nil},
		{"tampered body", strconv.FormatInt(ts, 10), sig, []byte(`{"id":"evt-2"}`), ErrBadSignature},
		{"replayed timestamp", strconv.FormatInt(ts-120, 10), v.Sign(ts-120, body), body, ErrStaleTimestamp},
		{"future timestamp", strconv.FormatInt(ts+120, 10), v.Sign(ts+120, body), body, ErrStaleTimestamp},
		{"garbage signature", strconv.FormatInt(ts, 10), "zz", body, ErrBadSignature},
		{"garbage timestamp", "yesterday", sig, body, ErrStaleTimestamp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.ts, tt.sig, tt.body)
			if tt.want == nil && err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("Verify = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestWebhookStringRedacts(t *testing.T) {
	v := NewWebhookVerifier("supersecretvalue", 0)
	if got := v.String(); got != "WebhookVerifier{secret=supe****, max_skew=5m0s}" {
		t.Fatalf("String() = %q", got)
	}
}

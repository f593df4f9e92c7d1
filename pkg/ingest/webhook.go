package ingest

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"
)

// StripeTolerance bounds how old a signed Stripe-style timestamp may be.
const StripeTolerance = 300 * time.Second

var (
	ErrBadSignature  = errors.New("ingest: signature mismatch")
	ErrStaleWebhook  = errors.New("ingest: webhook timestamp too old")
	ErrBadSignHeader = errors.New("ingest: malformed signature header")
)

// VerifyHMAC checks a webhook signature over the raw body with a
// timing-safe comparison. Accepted forms: GitHub-style "sha256=<hex>" and
// "sha1=<hex>", bare hex, and base64. SHA-256 is tried first, SHA-1 for
// legacy senders.
func VerifyHMAC(secret, signature string, body []byte) error {
	if signature == "" {
		return ErrBadSignHeader
	}

	algos := []func() hash.Hash{sha256.New, sha1.New}
	sig := signature
	switch {
	case strings.HasPrefix(signature, "sha256="):
		sig = strings.TrimPrefix(signature, "sha256=")
		algos = []func() hash.Hash{sha256.New}
	case strings.HasPrefix(signature, "sha1="):
		sig = strings.TrimPrefix(signature, "sha1=")
		algos = []func() hash.Hash{sha1.New}
	}

	for _, algo := range algos {
		mac := hmac.New(algo, []byte(secret))
		mac.Write(body)
		expected := mac.Sum(nil)

		if decoded, err := hex.DecodeString(sig); err == nil {
			if subtle.ConstantTimeCompare(decoded, expected) == 1 {
				return nil
			}
		}
		if decoded, err := base64.StdEncoding.DecodeString(sig); err == nil {
			if subtle.ConstantTimeCompare(decoded, expected) == 1 {
				return nil
			}
		}
	}
	return ErrBadSignature
}

// VerifyStripe checks a Stripe-style signature header
// ("t=<unix>,v1=<hex>,...") where the signed payload is "<timestamp>.<body>".
// Timestamps older than the tolerance are rejected before any comparison.
func VerifyStripe(secret, header string, body []byte, now time.Time) error {
	var ts int64
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return ErrBadSignHeader
			}
			ts = parsed
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return ErrBadSignHeader
	}
	if now.Sub(time.Unix(ts, 0)) > StripeTolerance {
		return ErrStaleWebhook
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, sig := range sigs {
		decoded, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare(decoded, expected) == 1 {
			return nil
		}
	}
	return ErrBadSignature
}

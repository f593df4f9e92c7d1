// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and the deterministic content hashes used across the
// pipeline: Evidence content hashes and Release content hashes both reduce
// to SHA-256 over canonical bytes.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/regtruth/regtruth/pkg/model"
)

// JSON returns the RFC 8785 canonical JSON representation of v.
// Map keys are sorted by UTF-8 bytes and HTML escaping is disabled.
func JSON(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical JSON form of v.
func Hash(v any) (string, error) {
	b, err := JSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalBytes maps raw Evidence bytes to their canonical form for
// hashing. JSON payloads are JCS-transformed so key order and whitespace
// cannot perturb the hash; text payloads get line endings normalized; binary
// payloads pass through untouched.
func CanonicalBytes(raw []byte, contentType model.ContentType) []byte {
	switch contentType {
	case model.ContentJSON:
		if out, err := jcs.Transform(raw); err == nil {
			return out
		}
		// Not valid JSON after all; hash what we were given.
		return raw
	case model.ContentHTML, model.ContentXML:
		return bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	default:
		return raw
	}
}

// EvidenceHash is the immutable content hash of an Evidence row:
// SHA-256 over the content type, a zero separator, and the canonical bytes.
func EvidenceHash(raw []byte, contentType model.ContentType) string {
	h := sha256.New()
	h.Write([]byte(contentType))
	h.Write([]byte{0})
	h.Write(CanonicalBytes(raw, contentType))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyEvidence recomputes the hash of an Evidence row against its stored
// ContentHash.
func VerifyEvidence(e *model.Evidence) bool {
	return EvidenceHash(e.RawBytes, e.ContentType) == e.ContentHash
}

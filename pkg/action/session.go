package action

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Session is the verified caller identity.
type Session struct {
	UserID string
}

// SessionVerifier validates HS256 bearer tokens and extracts the caller
// from the subject claim.
type SessionVerifier struct {
	secret []byte
}

func NewSessionVerifier(secret []byte) *SessionVerifier {
	return &SessionVerifier{secret: secret}
}

// Verify parses the token (with or without a "Bearer " prefix) and
// returns the session. Fails closed on a missing subject.
func (v *SessionVerifier) Verify(token string) (*Session, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, fmt.Errorf("action: empty token")
	}
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("action: verifier has no secret configured")
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("action: token validation failed: %w", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("action: token subject is required")
	}
	return &Session{UserID: claims.Subject}, nil
}

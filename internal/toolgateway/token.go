package toolgateway

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned by Verify for any malformed, expired, or
// wrong-signature bearer token.
var ErrInvalidToken = errors.New("toolgateway: invalid bearer token")

// claims binds (runId, nodeRef, sessionId) into a JWT per SPEC_FULL.md's
// Open Question decision: tool-session tokens are JWT-shaped, not opaque
// random strings, HMAC-SHA256 signed with the engine's session token
// secret (spec §6 environment variables).
type claims struct {
	RunID     string `json:"runId"`
	NodeRef   string `json:"nodeRef"`
	SessionID string `json:"sessionId"`
	jwt.RegisteredClaims
}

// tokenIssuer mints and verifies session bearer tokens.
type tokenIssuer struct {
	secret []byte
}

func newTokenIssuer(secret string) *tokenIssuer {
	return &tokenIssuer{secret: []byte(secret)}
}

// issue mints a bearer token binding (runID, nodeRef, sessionID), expiring
// at expiresAt (spec §4.I: "the gateway issues the agent a bearer token
// binding (runId, nodeRef, sessionId); the token is opaque and expires at
// session end").
func (t *tokenIssuer) issue(runID, nodeRef, sessionID string, expiresAt time.Time) (string, error) {
	c := claims{
		RunID:     runID,
		NodeRef:   nodeRef,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(t.secret)
}

// verify parses and validates a bearer token, returning its bound claims.
func (t *tokenIssuer) verify(tokenString string) (*claims, error) {
	var c claims
	tok, err := jwt.ParseWithClaims(tokenString, &c, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	return &c, nil
}

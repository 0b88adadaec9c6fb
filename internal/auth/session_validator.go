package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
)

const bearerPrefix = "Bearer "

// SessionClaims mirrors the JWT payload issued by the research backend. The subject
// carries the numeric user identifier.
type SessionClaims struct {
	UserEmail       string `json:"user_email,omitempty"`
	UserDisplayName string `json:"user_display_name,omitempty"`
	jwt.RegisteredClaims
}

// Reviewer is an authenticated caller together with the raw token that is forwarded upstream.
type Reviewer struct {
	UserID      int64
	Email       string
	DisplayName string
	Token       string
}

// SessionValidatorConfig describes how to validate session JWTs.
type SessionValidatorConfig struct {
	SigningSecret []byte
	// Issuer is checked only when set.
	Issuer     string
	CookieName string
	Clock      func() time.Time
}

// SessionValidator validates HS256 session JWTs presented as a cookie or bearer token.
type SessionValidator struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	clock         func() time.Time
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        strings.TrimSpace(cfg.Issuer),
		cookieName:    cookieName,
		clock:         clock,
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken validates the supplied JWT string and returns the reviewer it identifies.
func (v *SessionValidator) ValidateToken(tokenString string) (Reviewer, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Reviewer{}, ErrMissingSessionToken
	}

	claims := &SessionClaims{}
	options := []jwt.ParserOption{
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		options...,
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Reviewer{}, ErrExpiredSessionToken
		}
		return Reviewer{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Reviewer{}, ErrInvalidSessionToken
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Reviewer{}, ErrMissingSessionSubject
	}
	userID, err := strconv.ParseInt(subject, 10, 64)
	if err != nil || userID <= 0 {
		return Reviewer{}, fmt.Errorf("%w: subject %q is not a user id", ErrInvalidSessionToken, subject)
	}
	return Reviewer{
		UserID:      userID,
		Email:       claims.UserEmail,
		DisplayName: claims.UserDisplayName,
		Token:       token,
	}, nil
}

// ValidateRequest reads the session cookie, falling back to an Authorization bearer
// token, and validates it.
func (v *SessionValidator) ValidateRequest(r *http.Request) (Reviewer, error) {
	if r == nil {
		return Reviewer{}, ErrMissingSessionToken
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil && strings.TrimSpace(cookie.Value) != "" {
		return v.ValidateToken(cookie.Value)
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return Reviewer{}, ErrMissingSessionToken
	}
	return v.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
}

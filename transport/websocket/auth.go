package websocket

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// DefaultSessionCookie is the cookie SessionAuthenticator sets.
const DefaultSessionCookie = "DocsyncSession"

// Authenticator adds credentials to the websocket handshake.
type Authenticator interface {
	Apply(h http.Header)
}

// BasicAuthenticator sends HTTP basic credentials.
type BasicAuthenticator struct {
	Username string
	Password string
}

func (a BasicAuthenticator) Apply(h http.Header) {
	cred := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
	h.Set("Authorization", "Basic "+cred)
}

// SessionAuthenticator sends a session cookie obtained out of band.
type SessionAuthenticator struct {
	SessionID  string
	CookieName string
}

func (a SessionAuthenticator) Apply(h http.Header) {
	name := a.CookieName
	if name == "" {
		name = DefaultSessionCookie
	}
	h.Add("Cookie", (&http.Cookie{Name: name, Value: a.SessionID}).String())
}

// TokenAuthenticator sends a bearer token.
type TokenAuthenticator struct {
	Token string
}

func (a TokenAuthenticator) Apply(h http.Header) {
	h.Set("Authorization", "Bearer "+a.Token)
}

// NewToken mints an HS256 token for subject that Verifier accepts.
func NewToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := gojwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  gojwt.NewNumericDate(now),
		ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(secret)
}

// Verifier authenticates incoming handshakes. A request is accepted when
// any configured mechanism accepts it.
type Verifier struct {
	// Users maps basic-auth user names to passwords.
	Users map[string]string
	// Sessions maps session IDs to user names.
	Sessions   map[string]string
	CookieName string
	// JWTSecret enables bearer tokens signed with HS256.
	JWTSecret []byte
	// AllowAnonymous accepts requests without credentials as "".
	AllowAnonymous bool
}

// Verify returns the authenticated user name.
func (v *Verifier) Verify(r *http.Request) (string, error) {
	if v == nil {
		return "", nil
	}
	authz := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(authz, "Basic "):
		user, pass, ok := r.BasicAuth()
		if !ok {
			return "", fmt.Errorf("malformed basic credentials")
		}
		want, known := v.Users[user]
		if !known || subtle.ConstantTimeCompare([]byte(want), []byte(pass)) != 1 {
			return "", fmt.Errorf("invalid credentials for %q", user)
		}
		return user, nil
	case strings.HasPrefix(authz, "Bearer "):
		return v.verifyToken(strings.TrimPrefix(authz, "Bearer "))
	}

	name := v.CookieName
	if name == "" {
		name = DefaultSessionCookie
	}
	if c, err := r.Cookie(name); err == nil {
		if user, ok := v.Sessions[c.Value]; ok {
			return user, nil
		}
		return "", fmt.Errorf("unknown session")
	}
	if v.AllowAnonymous {
		return "", nil
	}
	return "", fmt.Errorf("credentials required")
}

func (v *Verifier) verifyToken(raw string) (string, error) {
	if len(v.JWTSecret) == 0 {
		return "", fmt.Errorf("bearer tokens are not accepted")
	}
	claims := &gojwt.RegisteredClaims{}
	_, err := gojwt.ParseWithClaims(raw, claims, func(t *gojwt.Token) (interface{}, error) {
		return v.JWTSecret, nil
	}, gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}), gojwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	return claims.Subject, nil
}

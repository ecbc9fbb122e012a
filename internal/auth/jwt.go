// Package auth resolves the calling user from a bearer token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrNoSubject is returned for a valid token that names no user.
var ErrNoSubject = errors.New("token missing subject")

// User is the authenticated caller.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// JWTVerifier checks bearer tokens against a JWKS.
// Keys are held by a jwk.Cache which refreshes them in the background,
// so verification does no network I/O on the request path.
type JWTVerifier struct {
	jwksURL    string
	keySet     jwk.Set
	refreshTTL time.Duration
	cache      *jwk.Cache
}

// NewJWTVerifier registers jwksURL with a refreshing cache and fetches it once.
// The cache stops refreshing when ctx is done.
func NewJWTVerifier(ctx context.Context, jwksURL string) (*JWTVerifier, error) {
	v := &JWTVerifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("registering JWKS URL: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(fetchCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("initial JWKS fetch: %w", err)
	}

	v.cache = cache
	v.keySet = jwk.NewCachedSet(cache, jwksURL)
	return v, nil
}

// NewStaticVerifier verifies against a fixed key set.
func NewStaticVerifier(set jwk.Set) *JWTVerifier {
	return &JWTVerifier{keySet: set}
}

// UserFromRequest validates the bearer token of r and returns its subject.
func (v *JWTVerifier) UserFromRequest(r *http.Request) (*User, error) {
	token, err := jwt.ParseRequest(r,
		jwt.WithKeySet(v.keySet),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("parsing JWT: %w", err)
	}

	if token.Subject() == "" {
		return nil, ErrNoSubject
	}

	u := &User{ID: token.Subject()}
	if email, ok := token.Get("email"); ok {
		u.Email, _ = email.(string)
	}
	if name, ok := token.Get("name"); ok {
		u.Name, _ = name.(string)
	}
	return u, nil
}

// Stats reports the cached key count.
func (v *JWTVerifier) Stats() map[string]interface{} {
	keys := 0
	if v.keySet != nil {
		keys = v.keySet.Len()
	}
	return map[string]interface{}{
		"keys_cached": keys,
		"refresh_ttl": v.refreshTTL.String(),
		"jwks_url":    v.jwksURL,
	}
}

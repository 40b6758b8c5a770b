// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package authctx carries per-job credentials from the submit request to
// the fetcher and runners executing on its behalf.
package authctx

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials are forwarded to every sub-request made for a job run.
type Credentials struct {
	// BearerToken authenticates requests to remote providers.
	BearerToken string
	// DockerToken is used by the CWL runner to pull the container image
	// (from the X-Auth-Docker request header).
	DockerToken string
	// Cookies are replayed on remote provider requests.
	Cookies []*http.Cookie
}

// Apply attaches the credentials to an outgoing request.
func (c *Credentials) Apply(req *http.Request) {
	if c == nil {
		return
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	for _, cookie := range c.Cookies {
		req.AddCookie(cookie)
	}
}

type contextKey struct{}

var credentialsKey = contextKey{}

// NewContext returns a context carrying the credentials.
func NewContext(ctx context.Context, c *Credentials) context.Context {
	return context.WithValue(ctx, credentialsKey, c)
}

// FromContext returns the credentials attached to ctx, or nil.
func FromContext(ctx context.Context) *Credentials {
	c, _ := ctx.Value(credentialsKey).(*Credentials)
	return c
}

// FromRequest extracts credentials from an incoming execute request.
func FromRequest(r *http.Request) *Credentials {
	c := &Credentials{
		DockerToken: r.Header.Get("X-Auth-Docker"),
		Cookies:     r.Cookies(),
	}
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		c.BearerToken = auth[len(prefix):]
	}
	return c
}

// jobClaims is the signed content of a job access token.
type jobClaims struct {
	jwt.RegisteredClaims
	Emails []string `json:"emails,omitempty"`
}

// SignJobToken seals the job's subscriber emails into an HMAC-signed token
// so that notification targets are not stored in clear text.
func SignJobToken(secret, jobID string, emails []string) (string, error) {
	claims := jobClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  jobID,
			IssuedAt: jwt.NewNumericDate(time.Now().UTC()),
		},
		Emails: emails,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifyJobToken validates the token and returns the sealed emails.
func VerifyJobToken(secret, jobID, token string) ([]string, error) {
	var claims jobClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid || claims.Subject != jobID {
		return nil, fmt.Errorf("job token does not match job %s", jobID)
	}
	return claims.Emails, nil
}

// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package senseeact

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/RoessinghResearch/senseeact-sub001/internal/auth"
)

// JWTClaims is the token payload: the user id rides in the standard sub
// claim, the device id in the custom did claim. The device id doubles as
// the sync origin, giving every device of a user its own echo-exclusion
// window on reads.
type JWTClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// JWTAuth issues and verifies HS256 sync tokens. It implements
// ClientAuthenticator for the HTTP handlers.
type JWTAuth struct {
	secret []byte
}

func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret)}
}

// GenerateToken signs a token for one device of one user.
func (j *JWTAuth) GenerateToken(userID, deviceID string, lifetime time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &JWTClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    "senseeact",
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	})
	return token.SignedString(j.secret)
}

// ValidateToken parses and verifies a token. Both identity claims are
// mandatory: a token that names no user or no device never
// authenticates.
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, j.signingKey)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no sub (user id) claim")
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("token has no did (device id) claim")
	}
	return claims, nil
}

func (j *JWTAuth) signingKey(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
	return j.secret, nil
}

// GetUserID returns the authenticated user id from the request's bearer
// token.
func (j *JWTAuth) GetUserID(r *http.Request) (string, error) {
	claims, err := j.requestClaims(r)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// GetOriginID returns the sync origin from the request's bearer token.
func (j *JWTAuth) GetOriginID(r *http.Request) (string, error) {
	claims, err := j.requestClaims(r)
	if err != nil {
		return "", err
	}
	return claims.DeviceID, nil
}

func (j *JWTAuth) requestClaims(r *http.Request) (*JWTClaims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, fmt.Errorf("authorization header required")
	}
	raw, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return nil, fmt.Errorf("bearer token required")
	}
	claims, err := j.ValidateToken(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token and stores
// the token's identity in the request context.
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := j.requestClaims(r)
		if err != nil {
			slog.Debug("Rejected unauthenticated request", "error", err, "path", r.URL.Path)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := auth.WithIdentity(r.Context(), claims.Subject, claims.DeviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

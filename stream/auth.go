// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package stream

import (
	"crypto/subtle"

	"github.com/golang-jwt/jwt/v5"

	"memwatch/errors"
)

// StaticTokenAuthenticator compares the bearer token against a shared secret
type StaticTokenAuthenticator struct {
	secret string
}

// NewStaticTokenAuthenticator creates a shared-secret authenticator
func NewStaticTokenAuthenticator(secret string) *StaticTokenAuthenticator {
	return &StaticTokenAuthenticator{secret: secret}
}

// Authenticate performs a constant-time comparison
func (a *StaticTokenAuthenticator) Authenticate(token string) error {
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.secret)) != 1 {
		return errors.SecurityError("stream-auth", "invalid token")
	}
	return nil
}

// JWTAuthenticator verifies HMAC-signed bearer tokens
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator creates a JWT authenticator with an HMAC secret
func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

// Authenticate parses and validates the token signature and standard claims
func (a *JWTAuthenticator) Authenticate(token string) error {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.SecurityError("stream-auth", "unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return errors.Wrap(err, errors.CodeSecurityViolation, errors.CategorySecurity,
			"stream-auth", "token validation failed")
	}
	if !parsed.Valid {
		return errors.SecurityError("stream-auth", "invalid token")
	}
	return nil
}

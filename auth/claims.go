// Package auth issues and verifies operator session tokens (JWT HS256) and
// hashes operator passwords.
package auth

import "github.com/golang-jwt/jwt/v5"

// OperatorClaims is the JWT payload for an operator session.
type OperatorClaims struct {
	jwt.RegisteredClaims
	OperatorID string `json:"operator_id"`
	Email      string `json:"email"`
	Role       string `json:"role"` // "admin" or "operator"
}

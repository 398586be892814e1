// Package approval suspends executions on human task nodes and resumes
// them when a signed decision arrives or the deadline passes.
package approval

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token verification failures.
var (
	ErrTokenInvalid = errors.New("approval token is invalid")
	ErrTokenExpired = errors.New("approval token has expired")
)

// Claims bind an approval token to one suspended node of one execution.
type Claims struct {
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`
	Assignee    string `json:"assignee"`
	jwt.RegisteredClaims
}

// signToken mints an HS256 token for the ticket.
func signToken(secret, executionID, nodeID, assignee string, issuedAt, deadline time.Time) (string, error) {
	claims := Claims{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Assignee:    assignee,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(deadline),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign approval token: %w", err)
	}
	return signed, nil
}

// verifyToken parses and validates a token, returning its claims.
func verifyToken(secret, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !token.Valid || claims.ExecutionID == "" || claims.NodeID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

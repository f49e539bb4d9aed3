// Package auth issues and verifies the credentials that bind a participant to one poll.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidCredential = errors.New("invalid credential")

// Identity is what a credential proves: who the caller is and which poll they joined.
type Identity struct {
	ParticipantID string
	PollID        string
	Name          string
}

type claims struct {
	PollID string `json:"pollID"`
	Name   string `json:"name"`
	jwt.RegisteredClaims
}

type TokenIssuer struct {
	secret []byte
	now    func() time.Time
}

func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), now: time.Now}
}

// Issue signs a credential for id that expires together with the poll.
func (i *TokenIssuer) Issue(id Identity, expiresAt time.Time) (string, error) {
	if id.ParticipantID == "" || id.PollID == "" {
		return "", fmt.Errorf("issue credential: participant and poll are required")
	}
	c := claims{
		PollID: id.PollID,
		Name:   id.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ParticipantID,
			IssuedAt:  jwt.NewNumericDate(i.now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
}

func (i *TokenIssuer) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidCredential
	}
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if c.Subject == "" || c.PollID == "" {
		return Identity{}, fmt.Errorf("%w: missing subject or poll", ErrInvalidCredential)
	}
	return Identity{ParticipantID: c.Subject, PollID: c.PollID, Name: c.Name}, nil
}

package service

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/wirebeam/pushfabric/internal/domain/model"
)

// Auther is the identity collaborator: it turns a handshake credential
// into an authenticated principal. How credentials are minted is outside
// fabric scope.
type Auther interface {
	Authenticate(ctx context.Context, credential string) (uuid.UUID, error)
}

// JWTAuther validates HMAC-signed tokens and reads the identity from the
// subject claim.
type JWTAuther struct {
	secret []byte
}

var _ Auther = (*JWTAuther)(nil)

func NewJWTAuther(secret string) *JWTAuther {
	return &JWTAuther{secret: []byte(secret)}
}

func (a *JWTAuther) Authenticate(ctx context.Context, credential string) (uuid.UUID, error) {
	if credential == "" {
		return uuid.Nil, model.ErrUnauthorized
	}

	// The deadline on ctx bounds the whole handshake; parsing is local and
	// cheap, so only a pre-expired context aborts here.
	if err := ctx.Err(); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", model.ErrUnauthorized, err)
	}

	claims := new(jwt.RegisteredClaims)
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, fmt.Errorf("%w: invalid token", model.ErrUnauthorized)
	}

	if claims.Subject == "" {
		return uuid.Nil, fmt.Errorf("%w: token missing subject", model.ErrUnauthorized)
	}

	identity, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: subject is not an identity: %w", model.ErrUnauthorized, err)
	}
	return identity, nil
}

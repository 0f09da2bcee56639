// Package token mints and verifies the access tokens a participant
// presents when joining a media channel.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/avetra/sessionlink/internal/domain"
)

var (
	ErrInvalidToken    = errors.New("invalid channel token")
	ErrChannelMismatch = errors.New("token issued for another channel")
)

// Claims bind a token to one channel and one participant id.
type Claims struct {
	Channel       string               `json:"channel"`
	ParticipantID domain.ParticipantID `json:"pid"`
	jwt.RegisteredClaims
}

// Mint issues an HS256 token for the given channel membership.
func Mint(secret, channel string, pid domain.ParticipantID, ttl time.Duration) (string, error) {
	if channel == "" {
		return "", errors.New("channel required")
	}
	now := time.Now()
	claims := Claims{
		Channel:       channel,
		ParticipantID: pid,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign channel token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, enforcing the HS256 method, and
// checks it was issued for the expected channel.
func Verify(secret, channel, raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Channel != channel {
		return nil, ErrChannelMismatch
	}
	return claims, nil
}

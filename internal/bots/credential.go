package bots

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidCredential = errors.New("invalid bot credential")
	ErrExpiredCredential = errors.New("bot credential has expired")
)

// Claims scope a bot credential to one bot and one manuscript
type Claims struct {
	BotID        string   `json:"bot_id"`
	ManuscriptID uint     `json:"manuscript_id"`
	Permissions  []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Has reports whether the credential carries perm
func (c *Claims) Has(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Issuer mints short-lived HMAC-signed service credentials for bot invocations
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer. A zero ttl defaults to five minutes.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a credential for botID on manuscriptID
func (i *Issuer) Issue(botID string, manuscriptID uint, permissions []string) (string, error) {
	if len(i.secret) == 0 {
		return "", fmt.Errorf("bot token secret not configured")
	}
	now := i.now()
	claims := Claims{
		BotID:        botID,
		ManuscriptID: manuscriptID,
		Permissions:  append([]string(nil), permissions...),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   "bot:" + botID,
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign bot credential: %w", err)
	}
	return signed, nil
}

// Verify parses a credential and checks signature and expiry
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredCredential
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidCredential
	}
	return claims, nil
}

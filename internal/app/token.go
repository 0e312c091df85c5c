package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/coshop/internal/domain"
	"github.com/golang-jwt/jwt/v4"
)

var ErrBadToken = errors.New("invalid relay token")

// RelayClaims identify one user of one room on the relay channel.
type RelayClaims struct {
	Room domain.RoomCode `json:"room"`
	jwt.RegisteredClaims
}

func (c RelayClaims) UserID() domain.UserID { return domain.UserID(c.Subject) }

// RelayTokens signs short-lived HS256 relay tokens with the hub secret.
type RelayTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewRelayTokens(secret string, ttl time.Duration) *RelayTokens {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RelayTokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (t *RelayTokens) Issue(code domain.RoomCode, uid domain.UserID) (string, error) {
	now := t.now()
	claims := RelayClaims{
		Room: code,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(uid),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

func (t *RelayTokens) Verify(raw string) (RelayClaims, error) {
	var claims RelayClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(tok *jwt.Token) (interface{}, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return RelayClaims{}, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	if claims.Room == "" || claims.Subject == "" {
		return RelayClaims{}, ErrBadToken
	}
	return claims, nil
}

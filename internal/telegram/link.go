package telegram

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LinkAudience marks link tokens so they are never accepted as API credentials.
const LinkAudience = "telegram-link"

var ErrInvalidLinkToken = errors.New("invalid link token")

// LinkTokens issues and checks the short-lived tokens a user pastes into the
// bot to attach a chat to their account.
type LinkTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewLinkTokens(secret string, ttl time.Duration) *LinkTokens {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &LinkTokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (l *LinkTokens) Issue(accountID int64) (string, time.Time, error) {
	now := l.now()
	expires := now.Add(l.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(accountID, 10),
		Audience:  jwt.ClaimStrings{LinkAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign link token: %w", err)
	}
	return signed, expires, nil
}

// Parse returns the account id a valid token was issued for.
func (l *LinkTokens) Parse(token string) (int64, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return l.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(LinkAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(l.now),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidLinkToken, err)
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad subject", ErrInvalidLinkToken)
	}
	return id, nil
}

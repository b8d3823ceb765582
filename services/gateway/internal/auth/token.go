package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const TokenPrompt = "Token required."

var (
	tokenPrefixRe = regexp.MustCompile(`(?i)^\s*bearer\s+`)

	ErrInvalidToken = errors.New("Invalid token")
)

// TokenAuthenticator expects an HS256 JWT with a username claim
type TokenAuthenticator struct {
	secret  []byte
	lookup  Lookup
	timeout time.Duration
}

func NewToken(secret []byte, lookup Lookup, timeout time.Duration) *TokenAuthenticator {
	return &TokenAuthenticator{secret: secret, lookup: lookup, timeout: timeout}
}

func (a *TokenAuthenticator) Authenticate(ctx context.Context, conn Conn) (*User, error) {
	raw, err := Query(ctx, conn, TokenPrompt, a.timeout)
	if err != nil {
		return nil, err
	}

	claims, err := VerifyToken(a.secret, raw)
	if err != nil {
		return nil, err
	}
	username, _ := claims["username"].(string)

	u, err := a.lookup(username)
	if err != nil {
		return nil, err
	}
	u.Source = SourceToken
	u.Claims = claims
	return u, nil
}

// VerifyToken checks the signature and expiry of token and returns its claims
func VerifyToken(secret []byte, token string) (jwt.MapClaims, error) {
	token = tokenPrefixRe.ReplaceAllString(token, "")

	parsed, err := jwt.ParseWithClaims(token, jwt.MapClaims{}, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: could not parse claims", ErrInvalidToken)
	}
	username, _ := claims["username"].(string)
	if username == "" {
		return nil, fmt.Errorf("%w: no username in token", ErrInvalidToken)
	}
	if !userNameRe.MatchString(username) {
		return nil, ErrInvalidUserName
	}
	return claims, nil
}

// IssueToken signs a token for username that expires at expiry
func IssueToken(secret []byte, username string, expiry time.Time) (string, error) {
	claims := jwt.MapClaims{
		"username": username,
		"exp":      expiry.Unix(),
		"iat":      time.Now().Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-presence/internal/database"
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpired           = errors.New("credential expired")
)

const (
	userIdClaim = "userId"
	expClaim    = "exp"
)

// Identity is the verified owner of a credential.
type Identity struct {
	UserId         string `json:"id"`
	Username       string `json:"username"`
	DisplayName    string `json:"display_name,omitempty"`
	ProfilePicture string `json:"profile_picture,omitempty"`
}

type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

type AccountLookup interface {
	GetActiveAccount(ctx context.Context, accountId string) (database.Account, error)
}

// JWTVerifier validates HMAC signed bearer tokens and resolves the token owner
// to an active account.
type JWTVerifier struct {
	signingKey []byte
	accounts   AccountLookup
}

func NewJWTVerifier(signingKey []byte, accounts AccountLookup) *JWTVerifier {
	return &JWTVerifier{
		signingKey: signingKey,
		accounts:   accounts,
	}
}

func (v *JWTVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if credential == "" {
		return Identity{}, fmt.Errorf("%w: token required", ErrInvalidCredential)
	}

	userId, err := v.parseToken(credential)
	if err != nil {
		return Identity{}, err
	}

	account, err := v.accounts.GetActiveAccount(ctx, userId)
	if err != nil {
		if errors.Is(err, database.ErrAccountNotFound) {
			return Identity{}, fmt.Errorf("%w: account not found or inactive", ErrInvalidCredential)
		}
		return Identity{}, fmt.Errorf("account lookup: %w", err)
	}

	return Identity{
		UserId:         account.Id,
		Username:       account.Username,
		DisplayName:    strings.TrimSpace(account.FirstName + " " + account.LastName),
		ProfilePicture: account.ProfilePicture,
	}, nil
}

func (v *JWTVerifier) parseToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return "", ErrExpired
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	if !token.Valid {
		return "", ErrInvalidCredential
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: invalid token claims", ErrInvalidCredential)
	}

	userId, ok := claims[userIdClaim].(string)
	if !ok || userId == "" {
		if sub, _ := claims["sub"].(string); sub != "" {
			return sub, nil
		}
		return "", fmt.Errorf("%w: missing user id claim", ErrInvalidCredential)
	}

	return userId, nil
}

// SignToken issues a token in the format Verify accepts.
func SignToken(signingKey []byte, userId string, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: userId,
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(signingKey)
}

// IsAuthError reports whether err should be surfaced to the caller as a
// rejected credential rather than an internal failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrInvalidCredential) || errors.Is(err, ErrExpired)
}

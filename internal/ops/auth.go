// ABOUTME: Bearer token authentication for the operator HTTP surface
// ABOUTME: Accepts a bcrypt-hashed static token or an HS256 JWT

package ops

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Authenticator validates operator bearer tokens. Either credential source
// may be empty; a token is accepted if any configured source accepts it.
type Authenticator struct {
	tokenHash []byte
	jwtSecret []byte
}

// NewAuthenticator builds an authenticator from a bcrypt token hash and an
// HS256 secret, either of which may be empty.
func NewAuthenticator(tokenHash, jwtSecret string) *Authenticator {
	return &Authenticator{tokenHash: []byte(tokenHash), jwtSecret: []byte(jwtSecret)}
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Verify checks a bearer token against every configured credential source.
func (a *Authenticator) Verify(token string) error {
	if len(a.tokenHash) > 0 {
		if err := bcrypt.CompareHashAndPassword(a.tokenHash, []byte(token)); err == nil {
			return nil
		}
	}
	if len(a.jwtSecret) > 0 {
		if err := a.verifyJWT(token); err == nil {
			return nil
		} else if errors.Is(err, ErrExpiredToken) {
			return err
		}
	}
	return ErrInvalidToken
}

func (a *Authenticator) verifyJWT(tokenString string) error {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

// GenerateJWT creates an HS256 operator token. Used by the admin CLI's login
// helper and by tests.
func (a *Authenticator) GenerateJWT(subject string, expiresIn time.Duration) (string, error) {
	if len(a.jwtSecret) == 0 {
		return "", errors.New("no jwt secret configured")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtSecret)
}

// middleware rejects requests whose bearer token fails verification.
func (a *Authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
		if errMsg != "" {
			http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
			return
		}
		if err := a.Verify(token); err != nil {
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

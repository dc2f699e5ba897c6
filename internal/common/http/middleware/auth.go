package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	pkgerrors "codesandbox/pkg/errors"
	"codesandbox/pkg/utils/contextkey"
	"codesandbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// AuthHeader carries the shared secret expected from trusted callers.
const AuthHeader = "X-Sandbox-Auth"

// LegacyAuthHeader is read when AuthHeader is absent, for /executeCode clients.
const LegacyAuthHeader = "auth"

// TokenType is the typ claim required on bearer tokens.
const TokenType = "sandbox"

// AuthConfig selects the accepted credentials. Either one is enough; with
// neither set the check is disabled.
type AuthConfig struct {
	Secret    string `yaml:"secret"`
	JWTSecret string `yaml:"jwtSecret"`
	JWTIssuer string `yaml:"jwtIssuer"`
}

type tokenClaims struct {
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// SharedSecretMiddleware rejects requests whose auth header does not match secret.
// An empty secret disables the check.
func SharedSecretMiddleware(secret string) gin.HandlerFunc {
	return AuthMiddleware(AuthConfig{Secret: secret})
}

// AuthMiddleware accepts the shared secret header or an HS256 bearer token.
// The token subject is stored as the caller on the request context.
func AuthMiddleware(cfg AuthConfig) gin.HandlerFunc {
	expected := []byte(cfg.Secret)
	jwtSecret := []byte(cfg.JWTSecret)
	return func(c *gin.Context) {
		if len(expected) == 0 && len(jwtSecret) == 0 {
			c.Next()
			return
		}
		if got := secretHeader(c); len(expected) > 0 && got != "" {
			if subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
				response.AbortWithErrorCode(c, pkgerrors.Unauthorized, "")
				return
			}
			c.Next()
			return
		}
		raw := extractBearerToken(c.GetHeader("Authorization"))
		if len(jwtSecret) == 0 || raw == "" {
			response.AbortWithErrorCode(c, pkgerrors.Unauthorized, "")
			return
		}
		claims, err := parseToken(raw, jwtSecret, cfg.JWTIssuer)
		if err != nil {
			response.AbortWithError(c, err)
			return
		}
		ctx := context.WithValue(c.Request.Context(), contextkey.Caller, claims.Subject)
		c.Request = c.Request.WithContext(ctx)
		c.Set(string(contextkey.Caller), claims.Subject)
		c.Next()
	}
}

func secretHeader(c *gin.Context) string {
	if got := c.GetHeader(AuthHeader); got != "" {
		return got
	}
	return c.GetHeader(LegacyAuthHeader)
}

// IssueToken signs a bearer token for subject. A zero ttl never expires.
func IssueToken(secret, issuer, subject string, ttl time.Duration) (string, error) {
	if secret == "" || subject == "" {
		return "", pkgerrors.New(pkgerrors.InvalidParams).WithMessage("secret and subject are required")
	}
	now := time.Now()
	claims := tokenClaims{
		TokenType: TokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			Issuer:   issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(raw string, secret []byte, issuer string) (*tokenClaims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, pkgerrors.New(pkgerrors.TokenExpired)
		}
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if issuer != "" && claims.Issuer != issuer {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if claims.TokenType != TokenType || claims.Subject == "" {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	return claims, nil
}

func extractBearerToken(authHeader string) string {
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

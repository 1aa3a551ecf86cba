// Package auth authenticates inbound requests with HMAC-signed JWT bearer
// tokens and exposes the resulting actor to handlers.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/topicbridge/pkg/models"
)

// ContextKey represents keys for context values
type ContextKey string

const ActorContextKey ContextKey = "actor"

var ErrMissingHandle = errors.New("token carries no handle claim")

// TokenValidator checks platform-issued tokens. The raw token is kept on the
// actor so downstream platform calls run with the caller's own credentials.
type TokenValidator struct {
	secret      []byte
	handleClaim string
}

func NewTokenValidator(secret, handleClaim string) *TokenValidator {
	if handleClaim == "" {
		handleClaim = "handle"
	}
	return &TokenValidator{secret: []byte(secret), handleClaim: handleClaim}
}

// Validate parses tokenString and builds the actor it identifies.
func (v *TokenValidator) Validate(tokenString string) (models.Actor, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		if err == nil {
			err = fmt.Errorf("invalid token")
		}
		return models.Actor{}, err
	}

	handle, _ := claims[v.handleClaim].(string)
	actor := models.Actor{
		Handle: strings.TrimSpace(handle),
		Token:  tokenString,
	}
	if sub, err := claims.GetSubject(); err == nil {
		actor.UserID = sub
	}
	if email, ok := claims["email"].(string); ok {
		actor.Email = email
	}
	if !actor.Valid() {
		return models.Actor{}, ErrMissingHandle
	}
	return actor, nil
}

// RequireAuth rejects requests without a valid bearer token and stores the
// actor on the echo context.
func RequireAuth(validator *TokenValidator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Authorization header required")
			}

			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization header format")
			}

			actor, err := validator.Validate(tokenParts[1])
			if err != nil {
				log.Debug().Err(err).Str("path", c.Path()).Msg("rejected bearer token")
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
			}

			c.Set(string(ActorContextKey), actor)
			return next(c)
		}
	}
}

// ActorFrom returns the actor stored by RequireAuth.
func ActorFrom(c echo.Context) (models.Actor, bool) {
	actor, ok := c.Get(string(ActorContextKey)).(models.Actor)
	return actor, ok
}

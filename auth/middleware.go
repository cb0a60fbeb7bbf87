package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/equicourse/collab-server/internal/slogging"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Gin context keys set by the middleware.
const (
	ContextUserKey = "user"
)

// TokenValidator parses and validates a bearer token, returning the identity
// it carries.
type TokenValidator interface {
	ValidateToken(tokenString string) (*User, error)
}

// JWTValidator validates HMAC-signed JWTs issued by the account service.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator for the given shared secret
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

// ValidateToken parses the token and extracts the user identity from its claims
func (v *JWTValidator) ValidateToken(tokenString string) (*User, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("token missing subject claim")
	}
	username, _ := claims["name"].(string)
	if username == "" {
		username = sub
	}

	return &User{ID: sub, Username: username}, nil
}

// Middleware returns a gin middleware that requires a valid bearer token and
// stores the resulting User in the request context.
func Middleware(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := userFromRequest(c, validator)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": err.Error(),
			})
			return
		}
		c.Set(ContextUserKey, user)
		c.Next()
	}
}

// OptionalMiddleware resolves the bearer token when present but admits the
// request either way. Connections joining via a shared link carry no token;
// the websocket handler decides what anonymous clients may do.
func OptionalMiddleware(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := userFromRequest(c, validator)
		if err != nil {
			slogging.Get().Debug("Anonymous connection admitted: %v", err)
		} else {
			c.Set(ContextUserKey, user)
		}
		c.Next()
	}
}

func userFromRequest(c *gin.Context, validator TokenValidator) (*User, error) {
	tokenString := bearerToken(c)
	if tokenString == "" {
		return nil, fmt.Errorf("missing bearer token")
	}
	return validator.ValidateToken(tokenString)
}

// bearerToken extracts the token from the Authorization header, falling back
// to the `token` query parameter because browser WebSocket clients cannot set
// request headers.
func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
		return ""
	}
	return c.Query("token")
}

// UserFromContext returns the authenticated user stored by the middleware,
// or nil for anonymous connections.
func UserFromContext(c *gin.Context) *User {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil
	}
	user, ok := value.(*User)
	if !ok {
		return nil
	}
	return user
}

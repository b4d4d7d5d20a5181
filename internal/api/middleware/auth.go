package middleware

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/phrazzld/fileflow/internal/api/shared"
	"github.com/phrazzld/fileflow/internal/platform/logger"
)

var (
	// ErrInvalidToken indicates a token that failed parsing or signature checks.
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpiredToken indicates a well-formed token past its exp claim.
	ErrExpiredToken = errors.New("token expired")

	// ErrInvalidSubject indicates a token whose sub claim is not a positive owner id.
	ErrInvalidSubject = errors.New("invalid subject claim")
)

// AuthMiddleware validates HS256 bearer tokens and exposes the owner id
// from the sub claim to downstream handlers. Tokens are issued elsewhere.
type AuthMiddleware struct {
	secret []byte
}

// NewAuthMiddleware creates a new AuthMiddleware verifying tokens with secret.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	return &AuthMiddleware{
		secret: []byte(secret),
	}
}

// Authenticate validates JWT tokens from the Authorization header and
// adds the user ID to the request context for authorized requests.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid authorization format")
			return
		}

		userID, err := m.ValidateToken(parts[1])
		if err != nil {
			logger.FromContext(r.Context()).Debug("token rejected", "error", err)
			switch {
			case errors.Is(err, ErrExpiredToken):
				shared.RespondWithError(w, r, http.StatusUnauthorized, "Token expired")
			default:
				shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid token")
			}
			return
		}

		ctx := shared.WithUserID(r.Context(), userID)
		ctx = logger.WithLogger(ctx, logger.FromContext(ctx).With("owner_id", userID))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ValidateToken parses tokenString and returns the owner id in its sub claim.
func (m *AuthMiddleware) ValidateToken(tokenString string) (int64, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return subjectID(claims["sub"])
}

// subjectID accepts sub as a JSON number or a decimal string.
func subjectID(sub interface{}) (int64, error) {
	var id int64
	switch v := sub.(type) {
	case float64:
		if v != math.Trunc(v) || v > math.MaxInt64 {
			return 0, ErrInvalidSubject
		}
		id = int64(v)
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidSubject, err)
		}
		id = parsed
	default:
		return 0, ErrInvalidSubject
	}
	if id <= 0 {
		return 0, ErrInvalidSubject
	}
	return id, nil
}

// GetUserID extracts the user ID from the request context.
// Returns the user ID and a boolean indicating if it was found.
func GetUserID(r *http.Request) (int64, bool) {
	return shared.UserIDFromContext(r.Context())
}

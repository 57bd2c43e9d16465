package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sockbridge/pkg/logger"
)

// AdminAuth guards the admin endpoints with HS256 bearer tokens. A request
// must carry a token signed with the shared secret; when no secret is
// configured the guard is a passthrough.
type AdminAuth struct {
	secret []byte
	logger *logger.Logger
}

// AdminClaims are the claims carried by admin tokens
type AdminClaims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// NewAdminAuth creates an admin endpoint guard. An empty secret disables it.
func NewAdminAuth(secret string, log *logger.Logger) *AdminAuth {
	return &AdminAuth{
		secret: []byte(secret),
		logger: log.MiddlewareLogger("admin_auth"),
	}
}

// Middleware returns the bearer token validation middleware
func (a *AdminAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(a.secret) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			token := extractBearerToken(r)
			if token == "" {
				a.logger.WithFields(map[string]interface{}{
					"path": r.URL.Path,
					"ip":   r.RemoteAddr,
				}).Warn("Admin token missing")
				a.writeAuthError(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			claims, err := a.validateToken(token)
			if err != nil {
				a.logger.WithFields(map[string]interface{}{
					"path": r.URL.Path,
					"ip":   r.RemoteAddr,
				}).WithError(err).Warn("Admin token validation failed")
				a.writeAuthError(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			a.logger.WithField("subject", claims.Subject).Debug("Admin request authenticated")
			next.ServeHTTP(w, r)
		})
	}
}

func (a *AdminAuth) validateToken(tokenString string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithLeeway(30*time.Second))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	return claims, nil
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

func (a *AdminAuth) writeAuthError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":  message,
		"status": status,
	})
}

package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/mir00r/openflow-lb/pkg/logger"
)

// JWTAuthConfig contains bearer token configuration. Tokens are HS256.
type JWTAuthConfig struct {
	Secret    string
	Issuer    string
	ClockSkew time.Duration
	// Paths lists the protected path prefixes. Everything else passes.
	Paths []string
}

// JWTAuthMiddleware checks bearer tokens on protected paths
type JWTAuthMiddleware struct {
	config JWTAuthConfig
	logger *logger.Logger
}

// NewJWTAuthMiddleware creates a new JWT authentication middleware
func NewJWTAuthMiddleware(config JWTAuthConfig, logger *logger.Logger) (*JWTAuthMiddleware, error) {
	if config.Secret == "" {
		return nil, fmt.Errorf("jwt secret cannot be empty")
	}

	logger.WithFields(map[string]interface{}{
		"issuer": config.Issuer,
		"paths":  config.Paths,
	}).Info("JWT authentication middleware initialized")

	return &JWTAuthMiddleware{config: config, logger: logger}, nil
}

// JWTAuth returns the JWT authentication middleware
func (jm *JWTAuthMiddleware) JWTAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !jm.protected(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				jm.logger.WithFields(map[string]interface{}{
					"path":   r.URL.Path,
					"method": r.Method,
					"ip":     r.RemoteAddr,
				}).Warn("JWT token missing")
				writeJWTError(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			claims, err := jm.validateToken(token)
			if err != nil {
				jm.logger.WithError(err).WithFields(map[string]interface{}{
					"path":   r.URL.Path,
					"method": r.Method,
					"ip":     r.RemoteAddr,
				}).Warn("JWT validation failed")
				writeJWTError(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			jm.logger.WithFields(map[string]interface{}{
				"subject": claims.Subject,
				"path":    r.URL.Path,
			}).Debug("JWT authentication successful")

			next.ServeHTTP(w, r)
		})
	}
}

func (jm *JWTAuthMiddleware) protected(path string) bool {
	for _, prefix := range jm.config.Paths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// extractToken extracts the JWT from the Authorization header
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return ""
}

// validateToken validates and parses the JWT token. Time checks allow for
// the configured clock skew.
func (jm *JWTAuthMiddleware) validateToken(tokenString string) (*jwt.RegisteredClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	claims := &jwt.RegisteredClaims{}
	if _, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(jm.config.Secret), nil
	}); err != nil {
		return nil, err
	}

	now := time.Now()
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("token has no expiry")
	}
	if now.Add(-jm.config.ClockSkew).After(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("token expired")
	}
	if claims.NotBefore != nil && now.Add(jm.config.ClockSkew).Before(claims.NotBefore.Time) {
		return nil, fmt.Errorf("token not yet valid")
	}
	if jm.config.Issuer != "" && !claims.VerifyIssuer(jm.config.Issuer, true) {
		return nil, fmt.Errorf("invalid issuer")
	}
	return claims, nil
}

// IssueToken signs an HS256 token for subject valid for ttl
func IssueToken(secret, issuer, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// writeJWTError writes JWT authentication error response
func writeJWTError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="openflow-lb"`)
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     "authentication_failed",
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

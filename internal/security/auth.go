package security

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/crew-core/internal/types"
)

type contextKey string

const (
	authContextKey contextKey = "auth_context"
	clientIPKey    contextKey = "client_ip"
	requestIDKey   contextKey = "request_id"
)

// APIKeyEntry binds a static API key to a caller identity. API keys are
// how automation surfaces (n8n pipelines, CLI scripts) authenticate
// without a JWT handshake.
type APIKeyEntry struct {
	Key    string     `yaml:"key"`
	UserID string     `yaml:"user_id"`
	CrewID string     `yaml:"crew_id"`
	Role   types.Role `yaml:"role"`
}

// Config holds authentication configuration.
type Config struct {
	APIKeys     []APIKeyEntry `yaml:"api_keys"`
	JWTSecret   string        `yaml:"jwt_secret"`
	JWTExpiry   time.Duration `yaml:"jwt_expiry"`
	RequireAuth bool          `yaml:"require_auth"`
}

// Claims are the JWT claims carried by crew-core tokens. The role and
// crew id drive authorization; the surface is recorded for observability
// only and never lives in the token.
type Claims struct {
	UserID string     `json:"user_id"`
	CrewID string     `json:"crew_id"`
	Role   types.Role `json:"role"`
	jwt.RegisteredClaims
}

// AuthProvider validates credentials and produces authorization
// contexts.
type AuthProvider struct {
	config *Config
	logger *logrus.Logger
}

// NewAuthProvider creates an authentication provider.
func NewAuthProvider(config *Config, logger *logrus.Logger) *AuthProvider {
	if config.JWTExpiry == 0 {
		config.JWTExpiry = 24 * time.Hour
	}
	return &AuthProvider{config: config, logger: logger}
}

// Authenticate validates a token (API key or JWT) and returns the
// caller's authorization context without a surface; the middleware fills
// the surface in from the request.
func (a *AuthProvider) Authenticate(ctx context.Context, token string) (*types.AuthorizationContext, error) {
	if authCtx, err := a.validateAPIKey(ctx, token); err == nil {
		return authCtx, nil
	}
	if claims, err := a.ValidateJWT(token); err == nil {
		return &types.AuthorizationContext{
			UserID: claims.UserID,
			CrewID: claims.CrewID,
			Role:   claims.Role,
		}, nil
	}
	return nil, errors.New("invalid authentication token")
}

// validateAPIKey matches a key against the configured entries using
// constant-time comparison.
func (a *AuthProvider) validateAPIKey(ctx context.Context, apiKey string) (*types.AuthorizationContext, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}
	for _, entry := range a.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(entry.Key)) == 1 {
			return &types.AuthorizationContext{
				UserID: entry.UserID,
				CrewID: entry.CrewID,
				Role:   entry.Role,
			}, nil
		}
	}

	a.logger.WithFields(logrus.Fields{
		"api_key_prefix": maskAPIKey(apiKey),
		"remote_ip":      clientIPFromContext(ctx),
	}).Warn("Invalid API key attempted")

	return nil, errors.New("invalid API key")
}

// GenerateJWT issues a token carrying the caller's role and crew.
func (a *AuthProvider) GenerateJWT(userID, crewID string, role types.Role) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("invalid role %q", role)
	}
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		CrewID: crewID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "crew-core",
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.JWTExpiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.config.JWTSecret))
}

// ValidateJWT validates a token and returns its claims.
func (a *AuthProvider) ValidateJWT(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.config.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid JWT token")
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("token carries unknown role %q", claims.Role)
	}
	return claims, nil
}

// AuthMiddleware authenticates requests and attaches the authorization
// context. The surface comes from the X-Surface header and never affects
// whether authentication succeeds.
func (a *AuthProvider) AuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/health") || strings.HasPrefix(r.URL.Path, "/docs") {
				next.ServeHTTP(w, r)
				return
			}

			if !a.config.RequireAuth {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				a.writeUnauthorized(w, "Missing authentication token")
				return
			}

			ctx := context.WithValue(r.Context(), clientIPKey, clientIPFromRequest(r))
			authCtx, err := a.Authenticate(ctx, token)
			if err != nil {
				a.logger.WithFields(logrus.Fields{
					"error":     err.Error(),
					"path":      r.URL.Path,
					"method":    r.Method,
					"remote_ip": clientIPFromRequest(r),
				}).Warn("Authentication failed")

				a.writeUnauthorized(w, "Invalid authentication token")
				return
			}

			authCtx.Surface = surfaceFromRequest(r)
			ctx = context.WithValue(ctx, authContextKey, authCtx)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAuthContext extracts the authorization context from a request
// context.
func GetAuthContext(ctx context.Context) (*types.AuthorizationContext, bool) {
	authCtx, ok := ctx.Value(authContextKey).(*types.AuthorizationContext)
	return authCtx, ok
}

// WithAuthContext attaches an authorization context; used by tests and
// by handlers that build contexts without the middleware.
func WithAuthContext(ctx context.Context, authCtx *types.AuthorizationContext) context.Context {
	return context.WithValue(ctx, authContextKey, authCtx)
}

// Helper functions

func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return apiKey
	}
	return ""
}

func surfaceFromRequest(r *http.Request) string {
	if surface := r.Header.Get("X-Surface"); surface != "" {
		return surface
	}
	return types.SurfaceWeb
}

func maskAPIKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

func clientIPFromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPKey).(string); ok {
		return ip
	}
	return "unknown"
}

func clientIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if colonIndex := strings.LastIndex(ip, ":"); colonIndex != -1 {
		ip = ip[:colonIndex]
	}
	return ip
}

func (a *AuthProvider) writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)

	timestamp := time.Now().Unix()
	response := fmt.Sprintf(`{"error":{"message":"%s","type":"authentication_error","code":401},"timestamp":%d}`, message, timestamp)
	w.Write([]byte(response))
}

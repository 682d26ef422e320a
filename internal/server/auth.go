package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ehrlich-b/trawl/internal/config"
	"github.com/ehrlich-b/trawl/internal/storage"
	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/sha3"
)

// sessionLifetime caps how long a login session stays valid.
const sessionLifetime = 7 * 24 * time.Hour

// hashToken hashes an admin token for storage and lookup.
func hashToken(token string) string {
	h := sha3.New256()
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

// TokensEqual compares two tokens in constant time.
func TokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func generateSecret(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// AdminAuth authenticates admin API requests, either by a stored admin
// token or by a session JWT issued at login.
type AdminAuth struct {
	store     storage.Storage
	jwtSecret string
	log       *slog.Logger
}

// NewAdminAuth builds the authenticator. With no configured JWT secret
// (config or TRAWL_ADMIN_JWT_SECRET), sessions are disabled and only
// admin tokens authenticate.
func NewAdminAuth(store storage.Storage, cfg config.ServerConfig, log *slog.Logger) *AdminAuth {
	if log == nil {
		log = slog.Default()
	}
	secret := cfg.AdminJWTSecret
	if secret == "" {
		secret = os.Getenv("TRAWL_ADMIN_JWT_SECRET")
	}
	return &AdminAuth{store: store, jwtSecret: secret, log: log}
}

// Authenticate resolves the caller of a request. It accepts a bearer
// header or a token query parameter (websocket clients cannot set
// headers), holding either an admin token or a session JWT.
func (a *AdminAuth) Authenticate(r *http.Request) (string, bool) {
	raw := bearerToken(r)
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return "", false
	}
	if name, ok := a.lookupToken(r.Context(), raw); ok {
		return name, true
	}
	return a.verifySession(raw)
}

func (a *AdminAuth) lookupToken(ctx context.Context, raw string) (string, bool) {
	rec, err := a.store.GetAdminTokenByHash(ctx, hashToken(raw))
	if err != nil {
		return "", false
	}
	return rec.Name, true
}

// IssueSession signs a session JWT for an authenticated subject.
func (a *AdminAuth) IssueSession(subject string) (string, error) {
	if a.jwtSecret == "" {
		return "", fmt.Errorf("sessions disabled: no jwt secret configured")
	}
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(sessionLifetime).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(a.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT: %w", err)
	}
	return signed, nil
}

func (a *AdminAuth) verifySession(raw string) (string, bool) {
	if a.jwtSecret == "" {
		return "", false
	}
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(a.jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return "", false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", false
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", false
	}
	return sub, true
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

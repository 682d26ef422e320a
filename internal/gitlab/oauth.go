package gitlab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Credentials is a refreshed OAuth token set.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Refresher exchanges refresh tokens against a GitLab instance's OAuth token
// endpoint.
type Refresher struct {
	ClientID     string
	ClientSecret string

	// Client overrides the HTTP client used for the token exchange (tests).
	Client *http.Client
}

// Refresh trades refreshToken for a fresh token set at baseURL's token
// endpoint. GitLab rotates the refresh token on every exchange, so the
// returned credentials must be persisted before they are handed out.
func (r *Refresher) Refresh(ctx context.Context, baseURL, refreshToken string) (*Credentials, error) {
	base := strings.TrimSuffix(baseURL, "/")
	if base == "" {
		base = "https://gitlab.com"
	}

	cfg := &oauth2.Config{
		ClientID:     r.ClientID,
		ClientSecret: r.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  base + "/oauth/authorize",
			TokenURL: base + "/oauth/token",
		},
	}

	if r.Client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.Client)
	}

	token, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	creds := &Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	if creds.RefreshToken == "" {
		// Instance did not rotate; keep the old one usable.
		creds.RefreshToken = refreshToken
	}
	return creds, nil
}

// IsInvalidGrant reports whether a refresh failed because the grant itself is
// dead (revoked application or expired refresh token). Such accounts need a
// new authorization, not a retry.
func IsInvalidGrant(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if re.ErrorCode == "invalid_grant" {
		return true
	}
	// Older instances omit the structured error field.
	return re.Response != nil && re.Response.StatusCode == http.StatusBadRequest &&
		strings.Contains(string(re.Body), "invalid_grant")
}

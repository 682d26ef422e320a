// Package gitlab implements the paginated REST client workers use to pull
// entities out of a GitLab instance.
package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// PerPage is the fixed page size requested from the API.
const PerPage = 100

const (
	defaultRetryAfter = 60 * time.Second
	parseSnippetLen   = 200
)

// Waiter gates outbound requests. Both rate.Limiter and the worker's request
// budget satisfy it.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Client fetches paginated REST resources from one GitLab instance.
type Client struct {
	// BaseURL is the normalized instance URL (e.g. "https://gitlab.com").
	BaseURL string

	// Token is the bearer token for the crawl account.
	Token string

	// Client is the HTTP client to use. If nil, http.DefaultClient is used.
	Client *http.Client

	// Limiter, when set, is awaited before every request.
	Limiter Waiter

	// Logger, when set, reports rate-limit waits and repaired payloads.
	Logger *slog.Logger
}

// Page is one fetched page of a list endpoint.
type Page struct {
	Items []json.RawMessage
	// Page is the page number that produced these items.
	Page int
	// HasMore is inferred from a full page: PerPage items means the listing
	// probably continues.
	HasMore bool
}

// HTTPError is returned for non-2xx responses so callers can branch on the
// upstream status (401 triggers a token refresh, for example).
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("gitlab api error: %s - %s", e.Status, e.Body)
}

// ParseError reports a response body that stayed undecodable even after the
// repair pass. Snippet holds at most the first 200 bytes of the body.
type ParseError struct {
	Snippet string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse page: %v (body %q)", e.Err, e.Snippet)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NormalizeBaseURL reduces whatever URL an operator pasted to the instance
// root: trailing slashes, "/api/v4"-style suffixes, and "/api/graphql" are
// all stripped.
func NormalizeBaseURL(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimRight(s, "/")
	if i := strings.Index(s, "/api/graphql"); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, "/api/v"); i >= 0 {
		rest := s[i+len("/api/v"):]
		j := 0
		for j < len(rest) && rest[j] >= '0' && rest[j] <= '9' {
			j++
		}
		if j > 0 {
			s = s[:i]
		}
	}
	return strings.TrimRight(s, "/")
}

// FetchPage fetches one page of a list endpoint. A 429 is absorbed by
// sleeping out the Retry-After window and retrying the same page, so the
// caller only sees pages and real failures.
func (c *Client) FetchPage(ctx context.Context, endpoint string, page int) (*Page, error) {
	if page < 1 {
		page = 1
	}

	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}

	for {
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		reqURL := fmt.Sprintf("%s%s%spage=%d&per_page=%d",
			strings.TrimSuffix(c.BaseURL, "/"), endpoint, sep, page, PerPage)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.Token)

		client := c.Client
		if client == nil {
			client = http.DefaultClient
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch page: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read page: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := retryAfterDuration(resp.Header.Get("Retry-After"))
			c.logger().Warn("rate limited by upstream", "endpoint", endpoint, "page", page, "wait", wait)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if resp.StatusCode >= 400 {
			return nil, &HTTPError{
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
				Body:       snippet(body),
			}
		}

		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			repaired := repairJSON(body)
			if err2 := json.Unmarshal(repaired, &items); err2 != nil {
				return nil, &ParseError{Snippet: snippet(body), Err: err}
			}
			c.logger().Debug("repaired malformed page", "endpoint", endpoint, "page", page)
		}

		return &Page{
			Items:   items,
			Page:    page,
			HasMore: len(items) == PerPage,
		}, nil
	}
}

// FetchAll walks a listing from startPage until a short page, invoking fn
// once per page. startPage below 1 means start from the beginning.
func (c *Client) FetchAll(ctx context.Context, endpoint string, startPage int, fn func(*Page) error) error {
	page := startPage
	if page < 1 {
		page = 1
	}
	for {
		p, err := c.FetchPage(ctx, endpoint, page)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		if !p.HasMore {
			return nil
		}
		page++
	}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func retryAfterDuration(header string) time.Duration {
	if header == "" {
		return defaultRetryAfter
	}
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs < 0 {
		return defaultRetryAfter
	}
	return time.Duration(secs) * time.Second
}

func snippet(body []byte) string {
	if len(body) > parseSnippetLen {
		body = body[:parseSnippetLen]
	}
	return string(body)
}

// repairJSON makes one attempt at fixing the breakages seen from proxied or
// patched instances: unquoted identifier keys, and a bare object where a
// list was expected. Anything beyond that stays broken and becomes a
// ParseError upstream.
func repairJSON(body []byte) []byte {
	s := bytes.TrimSpace(body)
	s = quoteBareKeys(s)
	if len(s) > 0 && s[0] == '{' {
		wrapped := make([]byte, 0, len(s)+2)
		wrapped = append(wrapped, '[')
		wrapped = append(wrapped, s...)
		wrapped = append(wrapped, ']')
		s = wrapped
	}
	return s
}

func quoteBareKeys(s []byte) []byte {
	out := make([]byte, 0, len(s)+16)
	inString := false
	escaped := false
	pendingKey := false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			out = append(out, ch)
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch {
		case ch == '"':
			inString = true
			pendingKey = false
			out = append(out, ch)
		case ch == '{' || ch == ',':
			pendingKey = true
			out = append(out, ch)
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			out = append(out, ch)
		case pendingKey && isIdentStart(ch):
			j := i
			for j < len(s) && isIdentChar(s[j]) {
				j++
			}
			// Only a key if a colon follows; bare values are left alone.
			k := j
			for k < len(s) && (s[k] == ' ' || s[k] == '\t' || s[k] == '\n' || s[k] == '\r') {
				k++
			}
			if k < len(s) && s[k] == ':' {
				out = append(out, '"')
				out = append(out, s[i:j]...)
				out = append(out, '"')
			} else {
				out = append(out, s[i:j]...)
			}
			i = j - 1
			pendingKey = false
		default:
			pendingKey = false
			out = append(out, ch)
		}
	}
	return out
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentChar(ch byte) bool {
	return isIdentStart(ch) || (ch >= '0' && ch <= '9')
}

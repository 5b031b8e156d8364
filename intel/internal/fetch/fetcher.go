// Package fetch retrieves feed documents over HTTP with a deadline, a size
// cap and SSRF checks on every hop.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/intelfeed/horosafe"
)

// Result is a fetched document.
type Result struct {
	Body       []byte
	StatusCode int
	Hash       string // SHA-256 of Body
	FinalURL   string
	Duration   time.Duration
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: http %d", e.URL, e.Code)
}

// Config configures the fetcher.
type Config struct {
	// Timeout bounds one fetch, body included. Default: 30s.
	Timeout time.Duration
	// MaxBytes caps the body. Default: 10 MiB.
	MaxBytes int64
	// UserAgent identifies the client to feed servers.
	UserAgent string
	// URLValidator vets URLs before the request and on redirects.
	// Default: horosafe.ValidateURL.
	URLValidator func(string) error
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = horosafe.MaxResponseBody
	}
	if c.UserAgent == "" {
		c.UserAgent = "intelfeed/1.0 (+https://github.com/hazyhaar/intelfeed)"
	}
	if c.URLValidator == nil {
		c.URLValidator = horosafe.ValidateURL
	}
}

// Fetcher performs feed requests.
type Fetcher struct {
	client *http.Client
	config Config
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	cfg.defaults()
	validate := cfg.URLValidator
	return &Fetcher{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
		config: cfg,
	}
}

// Fetch retrieves url. Network errors, timeouts, oversize bodies and
// non-2xx statuses are all returned as errors.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Result, error) {
	if err := f.config.URLValidator(url); err != nil {
		return nil, fmt.Errorf("fetch %s: url blocked: %w", url, err)
	}
	ctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: new request: %w", url, err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, text/xml;q=0.8, */*;q=0.1")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("fetch %s: timed out after %s: %w", url, f.config.Timeout, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Result{StatusCode: resp.StatusCode, Duration: time.Since(start)},
			&StatusError{Code: resp.StatusCode, URL: url}
	}

	body, err := horosafe.LimitedReadAll(resp.Body, f.config.MaxBytes)
	if err != nil {
		return &Result{StatusCode: resp.StatusCode, Duration: time.Since(start)},
			fmt.Errorf("fetch %s: read body: %w", url, err)
	}
	sum := sha256.Sum256(body)
	return &Result{
		Body:       body,
		StatusCode: resp.StatusCode,
		Hash:       hex.EncodeToString(sum[:]),
		FinalURL:   resp.Request.URL.String(),
		Duration:   time.Since(start),
	}, nil
}

// Check sends a HEAD request to url and returns the final status code. Any
// response counts as an answer; only transport failures are errors.
func (f *Fetcher) Check(ctx context.Context, url string) (int, error) {
	if err := f.config.URLValidator(url); err != nil {
		return 0, fmt.Errorf("head %s: url blocked: %w", url, err)
	}
	timeout := min(f.config.Timeout, 10*time.Second)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, fmt.Errorf("head %s: new request: %w", url, err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("head %s: %w", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

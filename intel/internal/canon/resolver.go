package canon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/hazyhaar/intelfeed/connectivity"
	"github.com/hazyhaar/intelfeed/horosafe"
)

// ErrUnresolved is returned when a wrapper does not lead to a publisher URL.
var ErrUnresolved = errors.New("canon: wrapper not resolved")

// ResolverConfig configures HTTPResolver.
type ResolverConfig struct {
	// Timeout bounds one resolution, redirects included. Default: 10s.
	Timeout time.Duration
	// MaxHops is the redirect limit. Default: 5.
	MaxHops int
	// MaxBody caps the interstitial page read. Default: 512 KiB.
	MaxBody int64
	// UserAgent sent with requests.
	UserAgent string
	// URLValidator vets the start URL and every hop. Default: horosafe.ValidateURL.
	URLValidator func(string) error
	// Breaker trips after repeated failures within the process.
	Breaker connectivity.BreakerConfig
}

func (c *ResolverConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxHops <= 0 {
		c.MaxHops = 5
	}
	if c.MaxBody <= 0 {
		c.MaxBody = 512 << 10
	}
	if c.UserAgent == "" {
		c.UserAgent = "intelfeed/1.0 (+https://github.com/hazyhaar/intelfeed)"
	}
	if c.URLValidator == nil {
		c.URLValidator = horosafe.ValidateURL
	}
}

// HTTPResolver follows a wrapper URL over HTTP until it reaches a
// publisher page. Interstitial pages that redirect client-side are
// inspected for the destination link.
type HTTPResolver struct {
	cfg    ResolverConfig
	client *http.Client
	call   connectivity.Call[string, string]
}

// NewResolver creates an HTTPResolver.
func NewResolver(cfg ResolverConfig, logger *slog.Logger) *HTTPResolver {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	r := &HTTPResolver{cfg: cfg}
	r.client = &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxHops {
				return fmt.Errorf("too many redirects (%d)", len(via))
			}
			if err := cfg.URLValidator(req.URL.String()); err != nil {
				return fmt.Errorf("redirect blocked: %w", err)
			}
			// Stop as soon as we leave the wrapper domains.
			if IsPublisherURL(req.URL.String()) && !IsWrapper(req.URL.String()) {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	r.call = connectivity.Chain(
		connectivity.Recovery[string, string](logger),
		connectivity.Logging[string, string](logger, "resolver"),
		connectivity.WithBreaker[string, string](connectivity.NewBreaker(cfg.Breaker), "resolver"),
		connectivity.Timeout[string, string]("resolver", cfg.Timeout),
	)(r.resolve)
	return r
}

// Resolve returns the publisher URL behind wrapped.
func (r *HTTPResolver) Resolve(ctx context.Context, wrapped string) (string, error) {
	if dest := Unwrap(wrapped); dest != wrapped && IsPublisherURL(dest) && !IsWrapper(dest) {
		return dest, nil
	}
	return r.call(ctx, wrapped)
}

func (r *HTTPResolver) resolve(ctx context.Context, wrapped string) (string, error) {
	if err := r.cfg.URLValidator(wrapped); err != nil {
		return "", fmt.Errorf("resolve %s: %w", wrapped, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wrapped, nil)
	if err != nil {
		return "", fmt.Errorf("resolve: new request: %w", err)
	}
	req.Header.Set("User-Agent", r.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", wrapped, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		loc, err := resp.Location()
		if err == nil && IsPublisherURL(loc.String()) {
			return loc.String(), nil
		}
	}
	if final := resp.Request.URL.String(); final != wrapped && IsPublisherURL(final) && !IsWrapper(final) {
		return final, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("resolve %s: http %d", wrapped, resp.StatusCode)
	}

	body, err := horosafe.LimitedReadAll(resp.Body, r.cfg.MaxBody)
	if err != nil && !errors.Is(err, horosafe.ErrTooLarge) {
		return "", fmt.Errorf("resolve %s: read: %w", wrapped, err)
	}
	if dest := destinationFromPage(string(body), resp.Request.URL); dest != "" {
		return dest, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnresolved, wrapped)
}

// destinationFromPage inspects an interstitial page: a meta refresh, the
// canonical link, a data-n-au attribute, then the first publisher anchor.
func destinationFromPage(page string, base *url.URL) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return ""
	}
	var candidates []string
	doc.Find(`meta[http-equiv]`).Each(func(_ int, s *goquery.Selection) {
		if !strings.EqualFold(s.AttrOr("http-equiv", ""), "refresh") {
			return
		}
		content := s.AttrOr("content", "")
		if i := strings.Index(strings.ToLower(content), "url="); i >= 0 {
			candidates = append(candidates, strings.Trim(content[i+4:], `'" `))
		}
	})
	candidates = append(candidates, doc.Find(`link[rel="canonical"]`).AttrOr("href", ""))
	doc.Find(`[data-n-au]`).Each(func(_ int, s *goquery.Selection) {
		candidates = append(candidates, s.AttrOr("data-n-au", ""))
	})
	doc.Find(`a[href]`).Each(func(_ int, s *goquery.Selection) {
		candidates = append(candidates, s.AttrOr("href", ""))
	})

	for _, c := range candidates {
		if c == "" {
			continue
		}
		ref, err := url.Parse(c)
		if err != nil {
			continue
		}
		abs := base.ResolveReference(ref).String()
		abs = Unwrap(abs)
		if IsPublisherURL(abs) && !IsWrapper(abs) && abs != base.String() {
			return abs
		}
	}
	return ""
}

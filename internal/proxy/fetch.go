package proxy

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tapwire/tapwire/internal/config"
)

// Fetcher executes intercepted WebFetch tool calls proxy-side.
type Fetcher struct {
	client *http.Client
	cfg    config.WebFetchConfig
}

// NewFetcher builds the fetch client: per-fetch timeout, bounded redirects.
func NewFetcher(cfg config.WebFetchConfig) *Fetcher {
	return &Fetcher{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout.Std(),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > cfg.MaxRedirects {
					return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
				}
				return nil
			},
		},
	}
}

// toolOutcome is one executed tool call: the content that becomes the
// tool_result, and whether it is an error result.
type toolOutcome struct {
	Content string
	IsError bool
}

// hostMatchesWhitelist reports whether host matches an allowed domain,
// exactly or as a subdomain, case-insensitively.
func hostMatchesWhitelist(host string, whitelist []string) bool {
	host = strings.ToLower(host)
	for _, domain := range whitelist {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// Fetch runs one WebFetch call. whitelist/whitelistSet carry the session
// policy: unset means no restriction, a set-but-empty list allows nothing.
func (f *Fetcher) Fetch(rawURL string, whitelist []string, whitelistSet bool) toolOutcome {
	if rawURL == "" {
		return toolOutcome{Content: "WebFetch tool call is missing the 'url' input field.", IsError: true}
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return toolOutcome{Content: fmt.Sprintf("Invalid URL '%s'", rawURL), IsError: true}
	}
	if whitelistSet && !hostMatchesWhitelist(parsed.Hostname(), whitelist) {
		log.Info().Str("url", rawURL).Msg("webfetch: url not in whitelist")
		return toolOutcome{Content: fmt.Sprintf("url not in whitelist: '%s'", rawURL), IsError: true}
	}

	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return toolOutcome{Content: fmt.Sprintf("Invalid URL '%s': %v", rawURL, err), IsError: true}
	}
	req.Header.Set("Accept", "text/markdown, text/html, */*")

	resp, err := f.client.Do(req)
	if err != nil {
		return toolOutcome{Content: fmt.Sprintf("Failed to fetch URL '%s': %v", rawURL, err), IsError: true}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return toolOutcome{Content: fmt.Sprintf("HTTP error %d when fetching '%s'", resp.StatusCode, rawURL), IsError: true}
	}

	// Read one byte past the cap to distinguish "exactly at cap" from
	// "truncated".
	limited := io.LimitReader(resp.Body, int64(f.cfg.MaxBodyBytes)+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return toolOutcome{Content: fmt.Sprintf("Failed to read response body from '%s': %v", rawURL, err), IsError: true}
	}

	truncated := false
	if len(body) > f.cfg.MaxBodyBytes {
		body = body[:f.cfg.MaxBodyBytes]
		truncated = true
	}

	content := strings.ToValidUTF8(string(body), "�")
	if truncated {
		content += f.cfg.TruncationNotice
	}
	return toolOutcome{Content: content}
}

package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tapwire/tapwire/internal/bedrock"
	"github.com/tapwire/tapwire/internal/store"
)

// Hop-by-hop and connection-management headers never forwarded upstream.
// Credentials are stripped too: the session supplies its own.
var skippedForwardHeaders = map[string]bool{
	"host":              true,
	"connection":        true,
	"keep-alive":        true,
	"te":                true,
	"trailers":          true,
	"transfer-encoding": true,
	"upgrade":           true,
	"authorization":     true,
	"x-api-key":         true,
	"content-length":    true,
	// Dropped so the transport negotiates encoding itself and hands back a
	// decoded stream we can parse and persist.
	"accept-encoding": true,
}

// buildForwardHeaders copies the client's headers minus connection management
// and credentials, then injects the session's own auth material.
func buildForwardHeaders(clientHeaders http.Header, sess *store.ResolvedSession) http.Header {
	out := make(http.Header, len(clientHeaders))
	for name, values := range clientHeaders {
		lower := strings.ToLower(name)
		if skippedForwardHeaders[lower] || strings.HasPrefix(lower, "proxy-") {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	if sess.BedrockRegion == nil {
		if sess.AuthHeader != nil && *sess.AuthHeader != "" {
			out.Set("Authorization", *sess.AuthHeader)
		}
		if sess.XAPIKey != nil && *sess.XAPIKey != "" {
			out.Set("x-api-key", *sess.XAPIKey)
		}
	}
	return out
}

// buildTargetURL joins the session's target origin with the forwarded path
// and query string.
func buildTargetURL(base, tail, rawQuery string) string {
	url := strings.TrimRight(base, "/")
	if tail != "" {
		url += "/" + tail
	}
	if rawQuery != "" {
		url += "?" + rawQuery
	}
	return url
}

// sanitizeModelName strips router-style provider prefixes from the body's
// model field ("anthropic/claude-..." → "claude-..."); upstream APIs reject
// the prefixed ids. Skipped for Bedrock targets, whose model ids use a
// different format.
func sanitizeModelName(body []byte) []byte {
	model := gjson.GetBytes(body, "model").Str
	for _, prefix := range []string{"anthropic/", "openai/", "google/", "meta/"} {
		if strings.HasPrefix(model, prefix) {
			if out, err := sjson.SetBytes(body, "model", strings.TrimPrefix(model, prefix)); err == nil {
				return out
			}
			break
		}
	}
	return body
}

// newUpstreamClient builds the shared upstream HTTP client. No overall
// timeout: LLM calls stream for minutes; idle/dial limits come from the
// default transport.
func newUpstreamClient(insecureTLS bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{Transport: transport}
}

// httpClientFor picks the TLS-verifying or TLS-insecure client. The insecure
// client exists only for sessions that explicitly opt in.
func (p *Proxy) httpClientFor(sess *store.ResolvedSession) *http.Client {
	if sess.TLSVerifyDisabled {
		return p.insecureClient
	}
	return p.client
}

// signerFor returns the (cached) SigV4 signer for a bedrock session, nil for
// ordinary sessions.
func (p *Proxy) signerFor(sess *store.ResolvedSession) *bedrock.Signer {
	if sess.BedrockRegion == nil || *sess.BedrockRegion == "" {
		return nil
	}
	region := *sess.BedrockRegion
	if cached, ok := p.signers.Load(region); ok {
		return cached.(*bedrock.Signer)
	}
	signer := bedrock.NewSigner(region)
	actual, _ := p.signers.LoadOrStore(region, signer)
	return actual.(*bedrock.Signer)
}

// dispatch sends one upstream request for the session and returns the raw
// response. The caller owns resp.Body.
func (p *Proxy) dispatch(ctx context.Context, sess *store.ResolvedSession, method, targetURL string, headers http.Header, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for name, values := range headers {
		req.Header[name] = values
	}
	req.Host = req.URL.Host

	if signer := p.signerFor(sess); signer != nil {
		req.Header.Set("Content-Type", "application/json")
		if err := signer.SignRequest(ctx, req, body); err != nil {
			return nil, err
		}
	}

	return p.httpClientFor(sess).Do(req)
}

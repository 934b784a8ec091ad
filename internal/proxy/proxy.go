// Package proxy implements the request pipeline: session dispatch, body
// filtering, upstream streaming with SSE parsing, webfetch interception,
// error injection, and capture persistence.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tapwire/tapwire/internal/config"
	"github.com/tapwire/tapwire/internal/sse"
	"github.com/tapwire/tapwire/internal/store"
	"github.com/tapwire/tapwire/internal/telemetry"
	"github.com/tapwire/tapwire/internal/utils"
)

// Proxy is the top-level handler for /p/{session_id}/{upstream_path...}.
type Proxy struct {
	store          *store.Store
	cfg            *config.Config
	tracker        *telemetry.Tracker
	client         *http.Client
	insecureClient *http.Client
	fetcher        *Fetcher
	signers        sync.Map

	// OnCapture, when set, observes every persisted request (dashboard
	// live feed). Called after the row is written.
	OnCapture func(*store.Request)
}

// New wires the pipeline against an opened store.
func New(st *store.Store, cfg *config.Config, tracker *telemetry.Tracker) *Proxy {
	return &Proxy{
		store:          st,
		cfg:            cfg,
		tracker:        tracker,
		client:         newUpstreamClient(false),
		insecureClient: newUpstreamClient(true),
		fetcher:        NewFetcher(cfg.WebFetch),
	}
}

var allowedMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodGet:    true,
	http.MethodPut:    true,
	http.MethodDelete: true,
}

// writeError sends a JSON error to the client.
func writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"message": msg, "type": "proxy_error"},
	})
}

// ServeHTTP runs one pipeline. Mount at /p/.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID, tail := splitSessionPath(r.URL.Path)
	if sessionID == "" {
		writeError(w, "missing session id", http.StatusNotFound)
		return
	}
	if !allowedMethods[r.Method] {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, err := p.store.Resolve(sessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, fmt.Sprintf("session '%s' not found", sessionID), http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("session", sessionID).Msg("session resolution failed")
		writeError(w, "session resolution failed", http.StatusInternalServerError)
		return
	}

	storedPath := "/" + tail
	if r.URL.RawQuery != "" {
		storedPath += "?" + r.URL.RawQuery
	}
	c := newCapture(sess.ID, r.Method, storedPath, r.Header)

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.notef("request body exceeds %d bytes", config.MaxRequestBodySize)
			c.setResponse(http.StatusRequestEntityTooLarge, nil)
			writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
		} else {
			c.note("failed to read request body: " + err.Error())
			c.setResponse(http.StatusBadRequest, nil)
			writeError(w, "failed to read request", http.StatusBadRequest)
		}
		p.persist(sess, c, false, 0)
		return
	}
	c.setOriginalBody(body)

	// Parse best-effort; anything but a JSON object is forwarded raw with
	// filtering and field extraction skipped. Valid-but-non-object JSON
	// (an array, a bare string) is noted apart from unparseable bytes.
	var parsed map[string]any
	forwardBody := body
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err != nil {
			parsed = nil
			if json.Valid(body) {
				c.note("non-object JSON body")
			} else {
				c.notef("non-JSON body, %d bytes", len(body))
			}
		}
	}
	if parsed != nil {
		if isMessagesEndpoint(tail) && !sess.Profile.Empty() {
			if matched := sess.Profile.Apply(parsed); len(matched) > 0 {
				log.Debug().Strs("patterns", matched).Msg("system filters matched")
			}
			rewritten, err := utils.MarshalNoEscape(parsed)
			if err == nil {
				forwardBody = rewritten
			}
		}
		c.setParsedBody(parsed)
	}

	if spec := sess.ParsedErrorInject(); spec != nil {
		log.Info().Str("session", sess.ID).Int("status", spec.Status).Msg("error injection active")
		serveInjectedError(w, spec, c)
		p.persist(sess, c, false, 0)
		return
	}

	p.forward(w, r, sess, c, parsed, forwardBody, tail)
}

// forward dispatches upstream and routes the response through the buffered
// or streaming path.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, sess *store.ResolvedSession, c *capture, parsed map[string]any, forwardBody []byte, tail string) {
	headers := buildForwardHeaders(r.Header, sess)

	var targetURL string
	if signer := p.signerFor(sess); signer != nil && signer.IsConfigured() {
		targetURL = signer.BuildTargetURL("/" + tail)
	} else {
		targetURL = buildTargetURL(sess.TargetURL, tail, r.URL.RawQuery)
		if isMessagesEndpoint(tail) {
			forwardBody = sanitizeModelName(forwardBody)
		}
	}

	// Detached from the client context: a client disconnect must not abort
	// the in-flight upstream read, which still gets persisted.
	ctx := context.WithoutCancel(r.Context())

	log.Info().
		Str("session", sess.ID).
		Str("target", targetURL).
		Str("authorization", utils.MaskKey(headers.Get("Authorization"))).
		Str("x-api-key", utils.MaskKey(headers.Get("x-api-key"))).
		Msg("forwarding request")

	resp, err := p.dispatch(ctx, sess, r.Method, targetURL, headers, forwardBody)
	if err != nil {
		log.Error().Err(err).Str("target", targetURL).Msg("upstream request failed")
		c.setResponse(0, nil)
		c.note("upstream connect error: " + err.Error())
		writeError(w, "upstream request failed", http.StatusBadGateway)
		p.persist(sess, c, false, 0)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	copyResponseHeaders(w, resp.Header)
	c.setResponse(resp.StatusCode, resp.Header)

	if sse.IsEventStream(resp.Header.Get("Content-Type")) {
		p.serveSSE(ctx, w, sess, c, resp, parsed, headers, targetURL, tail)
		return
	}

	respBody, readErr := io.ReadAll(resp.Body)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(respBody); err != nil {
		c.note("client_disconnected")
	}
	c.setResponseBody(string(respBody))
	if readErr != nil {
		c.note("upstream read error: " + readErr.Error())
	}
	p.persist(sess, c, false, 0)
}

// serveSSE streams the upstream response frame by frame, withholding the
// terminal message_stop while the interception decision is pending.
func (p *Proxy) serveSSE(ctx context.Context, w http.ResponseWriter, sess *store.ResolvedSession, c *capture, resp *http.Response, parsed map[string]any, headers http.Header, targetURL, tail string) {
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)

	stream := newClientStream(w)
	agg := sse.NewAggregator()

	firstEvents, firstRaw, readErr := streamRound(resp.Body, stream, agg)
	if readErr != nil {
		log.Warn().Err(readErr).Msg("upstream stream broke mid-response")
		stream.SendSynthetic(upstreamErrorEvent(readErr))
		stream.ReleaseStop()
		c.note("upstream stream error: " + readErr.Error())
		p.finishSSE(sess, c, stream, 0)
		return
	}

	rounds := 0
	if parsed != nil && shouldIntercept(sess, tail, agg) {
		state := p.runInterceptLoop(ctx, sess, stream, agg, parsed, headers, targetURL)
		rounds = len(state.Rounds)

		firstEventsJSON, _ := sse.MarshalEvents(firstEvents)
		roundsJSON, _ := json.Marshal(state.Rounds)
		c.setWebFetch(string(firstRaw), string(firstEventsJSON), string(state.LastFollowup), string(roundsJSON))

		if rounds > 0 {
			names := make([]string, 0, len(state.Rounds))
			for _, round := range state.Rounds {
				for _, call := range round.ToolCalls {
					names = append(names, call.Name)
				}
			}
			c.notef("webfetch intercepted (%d rounds): %s", rounds, strings.Join(names, ", "))
		}
		if state.Note != "" {
			c.note(state.Note)
		}
	}

	stream.ReleaseStop()
	p.finishSSE(sess, c, stream, rounds)
}

// finishSSE records the client-visible stream and persists the row.
func (p *Proxy) finishSSE(sess *store.ResolvedSession, c *capture, stream *clientStream, rounds int) {
	c.setResponseBody(string(stream.RawBytes()))
	if eventsJSON, err := sse.MarshalEvents(stream.Events()); err == nil {
		c.setResponseEvents(eventsJSON)
	}
	if stream.Disconnected() {
		c.note("client_disconnected")
	}
	p.persist(sess, c, true, rounds)
}

// persist writes the completed row, emits telemetry, and notifies observers.
// Storage failures are logged only: the client response is already complete.
func (p *Proxy) persist(sess *store.ResolvedSession, c *capture, isSSE bool, rounds int) {
	if err := p.store.InsertRequest(&c.row); err != nil {
		log.Error().Err(err).Str("request", c.row.ID).Msg("failed to persist request")
	} else if p.OnCapture != nil {
		p.OnCapture(&c.row)
	}

	status := 0
	if c.row.ResponseStatus != nil {
		status = int(*c.row.ResponseStatus)
	}
	note := ""
	if c.row.Note != nil {
		note = *c.row.Note
	}
	p.tracker.RecordRequest(&telemetry.RequestEvent{
		Timestamp:       c.started,
		RequestID:       c.row.ID,
		SessionID:       sess.ID,
		Method:          c.row.Method,
		Path:            c.row.Path,
		StatusCode:      status,
		SSE:             isSSE,
		InterceptRounds: rounds,
		Note:            note,
		LatencyMs:       c.latency().Milliseconds(),
	})
}

// splitSessionPath extracts the session id and forwarded path from a
// /p/{session_id}/{tail...} request path.
func splitSessionPath(path string) (sessionID, tail string) {
	trimmed := strings.TrimPrefix(path, "/p/")
	if trimmed == path {
		return "", ""
	}
	parts := strings.SplitN(trimmed, "/", 2)
	sessionID = parts[0]
	if len(parts) == 2 {
		tail = parts[1]
	}
	return sessionID, tail
}

// copyResponseHeaders forwards upstream headers, skipping framing headers
// the server recomputes.
func copyResponseHeaders(w http.ResponseWriter, src http.Header) {
	for name, values := range src {
		lower := strings.ToLower(name)
		if lower == "transfer-encoding" || lower == "content-encoding" || lower == "content-length" {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
}

package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/tapwire/tapwire/internal/sse"
	"github.com/tapwire/tapwire/internal/store"
	"github.com/tapwire/tapwire/internal/utils"
)

// scriptedEvent is one frame of an injected SSE script.
type scriptedEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// serveInjectedError short-circuits the pipeline with the session's
// configured synthetic response. The body is either a plain JSON object
// (returned as application/json) or an ordered event script (returned as
// text/event-stream). The capture records it as if it came from upstream.
func serveInjectedError(w http.ResponseWriter, spec *store.ErrorInjectSpec, c *capture) {
	var script []scriptedEvent
	if err := json.Unmarshal(spec.Body, &script); err == nil && len(script) > 0 {
		serveInjectedScript(w, spec.Status, script, c)
		return
	}

	body := spec.Body
	if len(body) == 0 {
		body = []byte(`{}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(spec.Status)
	if _, err := w.Write(body); err != nil {
		log.Debug().Err(err).Msg("error_inject: client write failed")
		c.note("client_disconnected")
	}

	c.setResponse(spec.Status, http.Header{"Content-Type": []string{"application/json"}})
	c.setResponseBody(compactJSON(body))
	c.note("error injected")
}

func serveInjectedScript(w http.ResponseWriter, status int, script []scriptedEvent, c *capture) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)

	stream := newClientStream(w)
	for _, item := range script {
		stream.SendSynthetic(sse.Event{Name: item.Event, Data: string(item.Data)})
	}
	stream.ReleaseStop()

	c.setResponse(status, http.Header{"Content-Type": []string{"text/event-stream"}})
	c.setResponseBody(string(stream.RawBytes()))
	if eventsJSON, err := sse.MarshalEvents(stream.Events()); err == nil {
		c.setResponseEvents(eventsJSON)
	}
	if stream.Disconnected() {
		c.note("client_disconnected")
	}
	c.note("error injected")
}

// wellKnownErrors is the catalogue of injectable Anthropic error payloads
// offered by the dashboard form; the column stores the generic
// {status, body} shape either way.
var wellKnownErrors = []struct {
	Key    string
	Label  string
	Status int
	Body   string
}{
	{
		Key: "invalid_request_error", Label: "Context Window Exceeded (400)", Status: 400,
		Body: `{"type":"error","error":{"type":"invalid_request_error","message":"prompt is too long: 201234 tokens > 200000 maximum"}}`,
	},
	{
		Key: "permission_error", Label: "Permission Error (403)", Status: 403,
		Body: `{"type":"error","error":{"type":"permission_error","message":"Your API key does not have permission to use the specified resource."}}`,
	},
	{
		Key: "not_found_error", Label: "Not Found (404)", Status: 404,
		Body: `{"type":"error","error":{"type":"not_found_error","message":"The requested resource could not be found."}}`,
	},
	{
		Key: "request_too_large", Label: "Request Too Large (413)", Status: 413,
		Body: `{"type":"error","error":{"type":"request_too_large","message":"Request exceeds the maximum allowed number of bytes."}}`,
	},
	{
		Key: "rate_limit_error", Label: "Rate Limit (429)", Status: 429,
		Body: `{"type":"error","error":{"type":"rate_limit_error","message":"Number of requests has exceeded your rate limit."}}`,
	},
}

// WellKnownErrorSpec returns the stored {status, body} JSON for a catalogue
// key, or "" when unknown.
func WellKnownErrorSpec(key string) string {
	for _, e := range wellKnownErrors {
		if e.Key == key {
			return utils.MarshalString(map[string]any{
				"status": e.Status,
				"body":   json.RawMessage(e.Body),
			})
		}
	}
	return ""
}

// WellKnownErrorKeys lists the catalogue for the dashboard form.
func WellKnownErrorKeys() []struct{ Key, Label string } {
	out := make([]struct{ Key, Label string }, 0, len(wellKnownErrors))
	for _, e := range wellKnownErrors {
		out = append(out, struct{ Key, Label string }{e.Key, e.Label})
	}
	return out
}

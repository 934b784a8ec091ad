package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/tapwire/tapwire/internal/config"
	"github.com/tapwire/tapwire/internal/filter"
	"github.com/tapwire/tapwire/internal/store"
	"github.com/tapwire/tapwire/internal/tokens"
	"github.com/tapwire/tapwire/internal/utils"
)

// capture is the in-flight draft of one requests row. It is owned by a
// single pipeline and written to the store exactly once, at the end.
type capture struct {
	row     store.Request
	started time.Time
}

// newCapture starts a draft for an accepted client request.
func newCapture(sessionID, method, path string, headers http.Header) *capture {
	c := &capture{
		row: store.Request{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			Method:    method,
			Path:      path,
			Timestamp: time.Now().Format("15:04:05"),
		},
		started: time.Now(),
	}
	if h := headersToJSON(headers); h != "" {
		c.row.HeadersJSON = &h
	}
	return c
}

// headersToJSON flattens headers to a name→value JSON object. Multi-valued
// headers keep their first value, which is all the dashboard renders.
func headersToJSON(headers http.Header) string {
	m := make(map[string]string, len(headers))
	for name, values := range headers {
		if len(values) > 0 {
			m[name] = values[0]
		}
	}
	return utils.MarshalString(m)
}

// setOriginalBody records the raw client body (pre-filtering).
func (c *capture) setOriginalBody(body []byte) {
	if len(body) == 0 {
		c.note("no body")
		return
	}
	s := string(body)
	c.row.BodyJSON = &s
}

// setParsedBody records extraction fields from the rewritten (post-filter)
// body: truncated preview, model, tools, messages, system, params, and the
// token estimate over message text.
func (c *capture) setParsedBody(body map[string]any) {
	if body == nil {
		return
	}
	if preview := utils.MarshalString(filter.TruncateStrings(body, config.TruncatePreviewLen)); preview != "" {
		c.row.TruncJSON = &preview
	}
	if model, ok := body["model"].(string); ok {
		c.row.Model = &model
	}
	if tools, ok := body["tools"].([]any); ok {
		if s := utils.MarshalString(tools); s != "" {
			c.row.ToolsJSON = &s
		}
	}
	if messages, ok := body["messages"].([]any); ok {
		if s := utils.MarshalString(messages); s != "" {
			c.row.MsgsJSON = &s
			n := int64(tokens.Estimate(messageText(s)))
			c.row.InputTokens = &n
		}
	}
	if system, present := body["system"]; present {
		if s := utils.MarshalString(system); s != "" {
			c.row.SystemJSON = &s
		}
	}

	params := make(map[string]any, len(body))
	for k, v := range body {
		switch k {
		case "tools", "messages", "system":
		default:
			params[k] = v
		}
	}
	if len(params) > 0 {
		if s := utils.MarshalString(params); s != "" {
			c.row.ParamsJSON = &s
		}
	}
}

// messageText pulls the text content out of a serialized messages array for
// token estimation.
func messageText(messagesJSON string) string {
	var b strings.Builder
	gjson.Parse(messagesJSON).ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if content.Type == gjson.String {
			b.WriteString(content.Str)
			b.WriteByte('\n')
			return true
		}
		content.ForEach(func(_, block gjson.Result) bool {
			if t := block.Get("text"); t.Exists() {
				b.WriteString(t.Str)
				b.WriteByte('\n')
			}
			return true
		})
		return true
	})
	return b.String()
}

// note appends a note fragment, joining with "; " when one is already set.
func (c *capture) note(msg string) {
	if c.row.Note == nil {
		c.row.Note = &msg
		return
	}
	joined := *c.row.Note + "; " + msg
	c.row.Note = &joined
}

func (c *capture) notef(format string, args ...any) {
	c.note(fmt.Sprintf(format, args...))
}

// setResponse records the upstream (or synthesized) response status/headers.
func (c *capture) setResponse(status int, headers http.Header) {
	st := int64(status)
	c.row.ResponseStatus = &st
	if headers != nil {
		if h := headersToJSON(headers); h != "" {
			c.row.ResponseHeadersJSON = &h
		}
	}
}

// setResponseBody stores the client-visible response body verbatim.
func (c *capture) setResponseBody(body string) {
	c.row.ResponseBody = &body
}

// setResponseEvents stores the ordered SSE event list sent to the client.
func (c *capture) setResponseEvents(eventsJSON []byte) {
	s := string(eventsJSON)
	c.row.ResponseEventsJSON = &s
}

// setWebFetch stores the four interception columns.
func (c *capture) setWebFetch(firstBody, firstEvents, followupBody, rounds string) {
	c.row.WebFetchFirstResponseBody = &firstBody
	c.row.WebFetchFirstResponseEventsJSON = &firstEvents
	c.row.WebFetchFollowupBodyJSON = &followupBody
	c.row.WebFetchRoundsJSON = &rounds
}

// latency returns elapsed wall time since the pipeline started.
func (c *capture) latency() time.Duration {
	return time.Since(c.started)
}

// compactJSON re-encodes a JSON document compactly, returning the input on
// parse failure.
func compactJSON(raw []byte) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return utils.MarshalString(v)
}

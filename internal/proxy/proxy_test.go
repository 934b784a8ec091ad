package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/tapwire/tapwire/internal/config"
	"github.com/tapwire/tapwire/internal/store"
	"github.com/tapwire/tapwire/internal/telemetry"
)

// testEnv wires a proxy over a fresh store and a scriptable upstream.
type testEnv struct {
	t        *testing.T
	store    *store.Store
	handler  *Proxy
	proxy    *httptest.Server
	upstream *httptest.Server

	mu            sync.Mutex
	upstreamCalls [][]byte
	script        []func(w http.ResponseWriter)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	env := &testEnv{t: t, store: st}
	env.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		env.mu.Lock()
		idx := len(env.upstreamCalls)
		env.upstreamCalls = append(env.upstreamCalls, body)
		var respond func(http.ResponseWriter)
		if idx < len(env.script) {
			respond = env.script[idx]
		} else if len(env.script) > 0 {
			respond = env.script[len(env.script)-1]
		}
		env.mu.Unlock()
		if respond != nil {
			respond(w)
		}
	}))
	t.Cleanup(env.upstream.Close)

	tracker, err := telemetry.NewTracker("")
	require.NoError(t, err)
	env.handler = New(st, config.Default(), tracker)
	env.proxy = httptest.NewServer(env.handler)
	t.Cleanup(env.proxy.Close)
	return env
}

func (e *testEnv) newSession(t *testing.T) string {
	t.Helper()
	id, err := e.store.CreateSession(&store.SessionParams{
		Name:      "test",
		TargetURL: e.upstream.URL,
	})
	require.NoError(t, err)
	return id
}

func (e *testEnv) calls() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.upstreamCalls...)
}

func (e *testEnv) post(t *testing.T, sessionID, path, body string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(e.proxy.URL+"/p/"+sessionID+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, string(data)
}

func (e *testEnv) lastRequest(t *testing.T, sessionID string) *store.Request {
	t.Helper()
	rows, err := e.store.ListRequests(sessionID, 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	return rows[0]
}

func jsonResponse(body string) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func sseResponse(frames string) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range strings.SplitAfter(frames, "\n\n") {
			if chunk == "" {
				continue
			}
			_, _ = w.Write([]byte(chunk))
			flusher.Flush()
		}
	}
}

func frame(event, data string) string {
	return "event: " + event + "\ndata: " + data + "\n\n"
}

func textTurnStream(id, text string) string {
	return frame("message_start", `{"type":"message_start","message":{"id":"`+id+`","role":"assistant","model":"m","content":[],"usage":{"input_tokens":3,"output_tokens":1}}}`) +
		frame("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`) +
		frame("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"`+text+`"}}`) +
		frame("content_block_stop", `{"type":"content_block_stop","index":0}`) +
		frame("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":4}}`) +
		frame("message_stop", `{"type":"message_stop"}`)
}

func toolUseStream(msgID, toolID, url string) string {
	return frame("message_start", `{"type":"message_start","message":{"id":"`+msgID+`","role":"assistant","model":"m","content":[],"usage":{"input_tokens":3,"output_tokens":1}}}`) +
		frame("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"`+toolID+`","name":"WebFetch","input":{}}}`) +
		frame("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"url\": \"`+url+`\"}"}}`) +
		frame("content_block_stop", `{"type":"content_block_stop","index":0}`) +
		frame("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":5}}`) +
		frame("message_stop", `{"type":"message_stop"}`)
}

func TestPassThroughJSON(t *testing.T) {
	env := newTestEnv(t)
	upstreamBody := `{"id":"msg_1","role":"assistant","content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn"}`
	env.script = []func(http.ResponseWriter){jsonResponse(upstreamBody)}
	sessionID := env.newSession(t)

	resp, body := env.post(t, sessionID, "/v1/messages", `{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, upstreamBody, body)

	row := env.lastRequest(t, sessionID)
	require.NotNil(t, row.ResponseStatus)
	assert.Equal(t, int64(200), *row.ResponseStatus)
	require.NotNil(t, row.ResponseBody)
	assert.Equal(t, upstreamBody, *row.ResponseBody)
	assert.Nil(t, row.ResponseEventsJSON)
	require.NotNil(t, row.Model)
	assert.Equal(t, "m", *row.Model)
}

func TestSSETransparencyAndAggregation(t *testing.T) {
	env := newTestEnv(t)
	stream := textTurnStream("msg_1", "hello")
	env.script = []func(http.ResponseWriter){sseResponse(stream)}
	sessionID := env.newSession(t)

	resp, body := env.post(t, sessionID, "/v1/messages", `{"model":"m","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"))
	// Byte-for-byte transparency on the non-intercept path.
	assert.Equal(t, stream, body)
	assert.Equal(t, 1, strings.Count(body, "event: message_stop"))

	row := env.lastRequest(t, sessionID)
	require.NotNil(t, row.ResponseEventsJSON)
	events := gjson.Parse(*row.ResponseEventsJSON)
	assert.Equal(t, int64(6), events.Get("#").Int())
	assert.Equal(t, "message_stop", events.Get("5.event").Str)
	require.NotNil(t, row.ResponseBody)
	assert.Equal(t, stream, *row.ResponseBody)
}

func TestFilterDropsTool(t *testing.T) {
	env := newTestEnv(t)
	env.script = []func(http.ResponseWriter){jsonResponse(`{"ok":true}`)}
	sessionID := env.newSession(t)

	profileID, err := env.store.CreateProfile("drop-bash", true)
	require.NoError(t, err)
	_, err = env.store.AddToolFilter(profileID, "Bash")
	require.NoError(t, err)
	sess, err := env.store.GetSession(sessionID)
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateSession(sessionID, &store.SessionParams{
		Name: sess.Name, TargetURL: sess.TargetURL, ProfileID: &profileID,
	}))

	env.post(t, sessionID, "/v1/messages",
		`{"model":"m","messages":[{"role":"user","content":"hi"}],"tools":[{"name":"Bash"},{"name":"WebFetch"}]}`)

	calls := env.calls()
	require.Len(t, calls, 1)
	sent := gjson.ParseBytes(calls[0])
	assert.Equal(t, int64(1), sent.Get("tools.#").Int())
	assert.Equal(t, "WebFetch", sent.Get("tools.0.name").Str)

	row := env.lastRequest(t, sessionID)
	require.NotNil(t, row.ToolsJSON)
	assert.Equal(t, "WebFetch", gjson.Parse(*row.ToolsJSON).Get("0.name").Str)
}

func TestFiltersOnlyApplyToMessagesEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.script = []func(http.ResponseWriter){jsonResponse(`{}`)}
	sessionID := env.newSession(t)

	profileID, err := env.store.CreateProfile("drop-bash", true)
	require.NoError(t, err)
	_, err = env.store.AddToolFilter(profileID, "Bash")
	require.NoError(t, err)
	sess, err := env.store.GetSession(sessionID)
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateSession(sessionID, &store.SessionParams{
		Name: sess.Name, TargetURL: sess.TargetURL, ProfileID: &profileID,
	}))

	body := `{"tools":[{"name":"Bash"}]}`
	env.post(t, sessionID, "/v1/other", body)

	calls := env.calls()
	require.Len(t, calls, 1)
	assert.JSONEq(t, body, string(calls[0]))
}

func webfetchSession(t *testing.T, env *testEnv, whitelist string) string {
	t.Helper()
	sessionID := env.newSession(t)
	require.NoError(t, env.store.SetWebFetchIntercept(sessionID, true))
	if whitelist != "" {
		require.NoError(t, env.store.SetWebFetchWhitelist(sessionID, &whitelist))
	}
	return sessionID
}

func TestWebFetchOneRound(t *testing.T) {
	env := newTestEnv(t)

	var fetchHits int
	fetchServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetchHits++
		_, _ = w.Write([]byte("OK"))
	}))
	defer fetchServer.Close()

	round1 := toolUseStream("msg_1", "tu_1", fetchServer.URL+"/x")
	round2 := textTurnStream("msg_2", "done")
	env.script = []func(http.ResponseWriter){sseResponse(round1), sseResponse(round2)}

	sessionID := webfetchSession(t, env, `["127.0.0.1"]`)
	_, body := env.post(t, sessionID, "/v1/messages", `{"model":"m","messages":[{"role":"user","content":"fetch it"}],"stream":true}`)

	assert.Equal(t, 1, fetchHits)

	// Round 1 minus its message_stop, then round 2 in full.
	assert.Equal(t, 1, strings.Count(body, "event: message_stop"))
	assert.Contains(t, body, `"tool_use"`)
	assert.Contains(t, body, "done")
	stopIdx := strings.Index(body, "event: message_stop")
	assert.Greater(t, stopIdx, strings.Index(body, "done"))

	// Follow-up body splices the assistant turn and the tool_result.
	calls := env.calls()
	require.Len(t, calls, 2)
	followup := gjson.ParseBytes(calls[1])
	msgCount := followup.Get("messages.#").Int()
	last := followup.Get(fmt.Sprintf("messages.%d", msgCount-1))
	assert.Equal(t, "user", last.Get("role").Str)
	assert.Equal(t, "tool_result", last.Get("content.0.type").Str)
	assert.Equal(t, "tu_1", last.Get("content.0.tool_use_id").Str)
	assert.Equal(t, "OK", last.Get("content.0.content").Str)
	assistant := followup.Get(fmt.Sprintf("messages.%d", msgCount-2))
	assert.Equal(t, "assistant", assistant.Get("role").Str)
	assert.Equal(t, "tool_use", assistant.Get("content.0.type").Str)

	row := env.lastRequest(t, sessionID)
	require.NotNil(t, row.WebFetchRoundsJSON)
	rounds := gjson.Parse(*row.WebFetchRoundsJSON)
	require.Equal(t, int64(1), rounds.Get("#").Int())
	assert.Equal(t, "OK", rounds.Get("0.tool_calls.0.output").Str)
	assert.Equal(t, "WebFetch", rounds.Get("0.tool_calls.0.name").Str)
	require.NotNil(t, row.WebFetchFirstResponseBody)
	assert.Equal(t, round1, *row.WebFetchFirstResponseBody)
	require.NotNil(t, row.Note)
	assert.Contains(t, *row.Note, "webfetch intercepted (1 rounds)")

	// Persisted client events end with exactly one message_stop.
	require.NotNil(t, row.ResponseEventsJSON)
	events := gjson.Parse(*row.ResponseEventsJSON)
	n := events.Get("#").Int()
	assert.Equal(t, "message_stop", events.Get(fmt.Sprintf("%d.event", n-1)).Str)
}

func TestWebFetchWhitelistMiss(t *testing.T) {
	env := newTestEnv(t)

	var fetchHits int
	fetchServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetchHits++
		_, _ = w.Write([]byte("OK"))
	}))
	defer fetchServer.Close()

	round1 := toolUseStream("msg_1", "tu_1", fetchServer.URL+"/x")
	round2 := textTurnStream("msg_2", "blocked then")
	env.script = []func(http.ResponseWriter){sseResponse(round1), sseResponse(round2)}

	sessionID := webfetchSession(t, env, `["example.com"]`)
	env.post(t, sessionID, "/v1/messages", `{"model":"m","messages":[{"role":"user","content":"fetch"}],"stream":true}`)

	// No outbound fetch was made.
	assert.Equal(t, 0, fetchHits)

	calls := env.calls()
	require.Len(t, calls, 2)
	followup := gjson.ParseBytes(calls[1])
	msgCount := followup.Get("messages.#").Int()
	last := followup.Get(fmt.Sprintf("messages.%d", msgCount-1))
	assert.True(t, last.Get("content.0.is_error").Bool())
	assert.Contains(t, last.Get("content.0.content").Str, "url not in whitelist")

	row := env.lastRequest(t, sessionID)
	rounds := gjson.Parse(*row.WebFetchRoundsJSON)
	assert.Contains(t, rounds.Get("0.tool_calls.0.error").Str, "url not in whitelist")
}

func TestWebFetchEmptyWhitelistAllowsNone(t *testing.T) {
	env := newTestEnv(t)
	var fetchHits int
	fetchServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetchHits++
	}))
	defer fetchServer.Close()

	env.script = []func(http.ResponseWriter){
		sseResponse(toolUseStream("msg_1", "tu_1", fetchServer.URL+"/x")),
		sseResponse(textTurnStream("msg_2", "done")),
	}
	sessionID := webfetchSession(t, env, `[]`)
	env.post(t, sessionID, "/v1/messages", `{"model":"m","messages":[],"stream":true}`)
	assert.Equal(t, 0, fetchHits)
}

func TestWebFetchNoWhitelistAllowsAll(t *testing.T) {
	env := newTestEnv(t)
	var fetchHits int
	fetchServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetchHits++
		_, _ = w.Write([]byte("OK"))
	}))
	defer fetchServer.Close()

	env.script = []func(http.ResponseWriter){
		sseResponse(toolUseStream("msg_1", "tu_1", fetchServer.URL+"/x")),
		sseResponse(textTurnStream("msg_2", "done")),
	}
	sessionID := webfetchSession(t, env, "")
	env.post(t, sessionID, "/v1/messages", `{"model":"m","messages":[],"stream":true}`)
	assert.Equal(t, 1, fetchHits)
}

func TestWebFetchMaxRounds(t *testing.T) {
	env := newTestEnv(t)
	fetchServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	}))
	defer fetchServer.Close()

	// Upstream asks for another fetch every round, forever.
	env.script = []func(http.ResponseWriter){
		sseResponse(toolUseStream("msg_1", "tu_1", fetchServer.URL+"/x")),
	}

	sessionID := webfetchSession(t, env, "")
	_, body := env.post(t, sessionID, "/v1/messages", `{"model":"m","messages":[],"stream":true}`)

	// Initial dispatch plus one follow-up per round, bounded.
	assert.Len(t, env.calls(), config.MaxInterceptRounds+1)

	row := env.lastRequest(t, sessionID)
	rounds := gjson.Parse(*row.WebFetchRoundsJSON)
	assert.Equal(t, int64(config.MaxInterceptRounds), rounds.Get("#").Int())
	require.NotNil(t, row.Note)
	assert.Contains(t, *row.Note, "max rounds")

	// The final turn is forwarded in full, tool_use blocks included, with
	// exactly one terminal message_stop.
	assert.Equal(t, 1, strings.Count(body, "event: message_stop"))
	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), `data: {"type":"message_stop"}`))
}

func TestWebFetchMultipleToolUsesOneRound(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	var paths []string
	fetchServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		_, _ = w.Write([]byte("body of " + r.URL.Path))
	}))
	defer fetchServer.Close()

	round1 := frame("message_start", `{"type":"message_start","message":{"id":"msg_1","role":"assistant","content":[],"usage":{}}}`) +
		frame("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu_1","name":"WebFetch","input":{}}}`) +
		frame("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"url\": \"`+fetchServer.URL+`/a\"}"}}`) +
		frame("content_block_stop", `{"type":"content_block_stop","index":0}`) +
		frame("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_2","name":"WebFetch","input":{}}}`) +
		frame("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"url\": \"`+fetchServer.URL+`/b\"}"}}`) +
		frame("content_block_stop", `{"type":"content_block_stop","index":1}`) +
		frame("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{}}`) +
		frame("message_stop", `{"type":"message_stop"}`)
	env.script = []func(http.ResponseWriter){
		sseResponse(round1),
		sseResponse(textTurnStream("msg_2", "done")),
	}

	sessionID := webfetchSession(t, env, "")
	env.post(t, sessionID, "/v1/messages", `{"model":"m","messages":[],"stream":true}`)

	// Executed sequentially in block-index order.
	assert.Equal(t, []string{"/a", "/b"}, paths)

	calls := env.calls()
	require.Len(t, calls, 2)
	followup := gjson.ParseBytes(calls[1])
	msgCount := followup.Get("messages.#").Int()
	last := followup.Get(fmt.Sprintf("messages.%d", msgCount-1))
	require.Equal(t, int64(2), last.Get("content.#").Int())
	assert.Equal(t, "tu_1", last.Get("content.0.tool_use_id").Str)
	assert.Equal(t, "body of /a", last.Get("content.0.content").Str)
	assert.Equal(t, "tu_2", last.Get("content.1.tool_use_id").Str)
	assert.Equal(t, "body of /b", last.Get("content.1.content").Str)
}

func TestWebFetchDisabledSessionPassesThrough(t *testing.T) {
	env := newTestEnv(t)
	stream := toolUseStream("msg_1", "tu_1", "https://example.com/x")
	env.script = []func(http.ResponseWriter){sseResponse(stream)}
	sessionID := env.newSession(t)

	_, body := env.post(t, sessionID, "/v1/messages", `{"model":"m","messages":[],"stream":true}`)
	assert.Equal(t, stream, body)
	assert.Len(t, env.calls(), 1)
}

func TestErrorInjection(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.newSession(t)
	spec := `{"status":429,"body":{"error":"rate_limit"}}`
	require.NoError(t, env.store.SetErrorInject(sessionID, &spec))

	resp, body := env.post(t, sessionID, "/v1/messages", `{"model":"m","messages":[]}`)
	assert.Equal(t, 429, resp.StatusCode)
	assert.JSONEq(t, `{"error":"rate_limit"}`, body)
	// No upstream call was issued.
	assert.Empty(t, env.calls())

	row := env.lastRequest(t, sessionID)
	require.NotNil(t, row.ResponseStatus)
	assert.Equal(t, int64(429), *row.ResponseStatus)
	require.NotNil(t, row.Note)
	assert.Contains(t, *row.Note, "error injected")
}

func TestErrorInjectionSSEScript(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.newSession(t)
	spec := `{"status":200,"body":[
		{"event":"message_start","data":{"type":"message_start","message":{"id":"msg_x","role":"assistant","content":[]}}},
		{"event":"message_stop","data":{"type":"message_stop"}}
	]}`
	require.NoError(t, env.store.SetErrorInject(sessionID, &spec))

	resp, body := env.post(t, sessionID, "/v1/messages", `{"model":"m","messages":[]}`)
	assert.Equal(t, 200, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"))
	assert.Equal(t, 1, strings.Count(body, "event: message_stop"))
	assert.Contains(t, body, "event: message_start")
	assert.Empty(t, env.calls())

	row := env.lastRequest(t, sessionID)
	require.NotNil(t, row.ResponseEventsJSON)
	assert.Equal(t, int64(2), gjson.Parse(*row.ResponseEventsJSON).Get("#").Int())
}

func TestSessionNotFound(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.post(t, "nope", "/v1/messages", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	rows, err := env.store.ListRequests("nope", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.newSession(t)
	req, err := http.NewRequest(http.MethodPatch, env.proxy.URL+"/p/"+sessionID+"/v1/messages", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestNonJSONBodyForwardedRaw(t *testing.T) {
	env := newTestEnv(t)
	env.script = []func(http.ResponseWriter){jsonResponse(`{}`)}
	sessionID := env.newSession(t)

	env.post(t, sessionID, "/v1/messages", "not json at all")

	calls := env.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "not json at all", string(calls[0]))

	row := env.lastRequest(t, sessionID)
	require.NotNil(t, row.Note)
	assert.Contains(t, *row.Note, "non-JSON body")
	assert.Nil(t, row.TruncJSON)
}

func TestRequestTooLarge(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.newSession(t)

	// Drive the handler directly: a network client may see the connection
	// drop before the 413 arrives.
	huge := strings.Repeat("x", config.MaxRequestBodySize+1)
	req := httptest.NewRequest(http.MethodPost, "/p/"+sessionID+"/v1/messages", strings.NewReader(huge))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	row := env.lastRequest(t, sessionID)
	require.NotNil(t, row.Note)
	assert.Contains(t, *row.Note, "exceeds")
	assert.Empty(t, env.calls())
}

func TestUpstreamConnectError(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.store.CreateSession(&store.SessionParams{
		Name:      "dead",
		TargetURL: "http://127.0.0.1:1",
	})
	require.NoError(t, err)

	resp, _ := env.post(t, id, "/v1/messages", `{"model":"m","messages":[]}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	row := env.lastRequest(t, id)
	require.NotNil(t, row.ResponseStatus)
	assert.Equal(t, int64(0), *row.ResponseStatus)
	require.NotNil(t, row.Note)
	assert.Contains(t, *row.Note, "upstream connect error")
}

func TestQueryStringForwarded(t *testing.T) {
	env := newTestEnv(t)
	var gotURL string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	id, err := env.store.CreateSession(&store.SessionParams{Name: "q", TargetURL: upstream.URL})
	require.NoError(t, err)
	env.post(t, id, "/v1/models?beta=true", "")
	assert.Equal(t, "/v1/models?beta=true", gotURL)
}

// droppingWriter fails every Write after the first failAfter calls,
// simulating a client that goes away mid-stream.
type droppingWriter struct {
	header    http.Header
	buf       bytes.Buffer
	writes    int
	failAfter int
}

func (d *droppingWriter) Header() http.Header  { return d.header }
func (d *droppingWriter) WriteHeader(code int) {}
func (d *droppingWriter) Flush()               {}

func (d *droppingWriter) Write(p []byte) (int, error) {
	if d.writes >= d.failAfter {
		return 0, errors.New("write on closed connection")
	}
	d.writes++
	d.buf.Write(p)
	return len(p), nil
}

func TestClientDisconnectMidStream(t *testing.T) {
	env := newTestEnv(t)
	stream := textTurnStream("msg_1", "hello")
	env.script = []func(http.ResponseWriter){sseResponse(stream)}
	sessionID := env.newSession(t)

	w := &droppingWriter{header: http.Header{}, failAfter: 2}
	req := httptest.NewRequest(http.MethodPost, "/p/"+sessionID+"/v1/messages",
		strings.NewReader(`{"model":"m","messages":[],"stream":true}`))
	env.handler.ServeHTTP(w, req)

	row := env.lastRequest(t, sessionID)
	require.NotNil(t, row.Note)
	assert.Contains(t, *row.Note, "client_disconnected")

	// Only the frames actually transmitted are persisted.
	require.NotNil(t, row.ResponseEventsJSON)
	events := gjson.Parse(*row.ResponseEventsJSON)
	assert.Equal(t, int64(2), events.Get("#").Int())
	assert.Equal(t, "message_start", events.Get("0.event").Str)
	assert.Equal(t, "content_block_start", events.Get("1.event").Str)

	// The stored body is exactly what the client received.
	require.NotNil(t, row.ResponseBody)
	assert.Equal(t, w.buf.String(), *row.ResponseBody)
	assert.NotContains(t, *row.ResponseBody, "message_stop")
}

func TestClientDisconnectStopsInterceptRounds(t *testing.T) {
	env := newTestEnv(t)
	fetchServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	}))
	defer fetchServer.Close()

	// Upstream wants another fetch every round, but the client drops during
	// the first one.
	env.script = []func(http.ResponseWriter){
		sseResponse(toolUseStream("msg_1", "tu_1", fetchServer.URL+"/x")),
	}
	sessionID := webfetchSession(t, env, "")

	w := &droppingWriter{header: http.Header{}, failAfter: 1}
	req := httptest.NewRequest(http.MethodPost, "/p/"+sessionID+"/v1/messages",
		strings.NewReader(`{"model":"m","messages":[],"stream":true}`))
	env.handler.ServeHTTP(w, req)

	// The first round's upstream read completed for persistence, but no
	// follow-up was dispatched.
	assert.Len(t, env.calls(), 1)

	row := env.lastRequest(t, sessionID)
	require.NotNil(t, row.Note)
	assert.Contains(t, *row.Note, "client_disconnected")
	require.NotNil(t, row.WebFetchRoundsJSON)
	assert.Equal(t, int64(0), gjson.Parse(*row.WebFetchRoundsJSON).Get("#").Int())
	require.NotNil(t, row.WebFetchFirstResponseBody)
	assert.Contains(t, *row.WebFetchFirstResponseBody, "tool_use")
}

func TestNonObjectJSONBodyNote(t *testing.T) {
	env := newTestEnv(t)
	env.script = []func(http.ResponseWriter){jsonResponse(`{}`)}
	sessionID := env.newSession(t)

	env.post(t, sessionID, "/v1/messages", `[1, 2, 3]`)

	calls := env.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, `[1, 2, 3]`, string(calls[0]))

	row := env.lastRequest(t, sessionID)
	require.NotNil(t, row.Note)
	assert.Contains(t, *row.Note, "non-object JSON body")
	assert.NotContains(t, *row.Note, "non-JSON body")
}

func TestSplitSessionPath(t *testing.T) {
	tests := []struct {
		path    string
		session string
		tail    string
	}{
		{"/p/abc/v1/messages", "abc", "v1/messages"},
		{"/p/abc", "abc", ""},
		{"/p/abc/", "abc", ""},
		{"/other", "", ""},
	}
	for _, tt := range tests {
		session, tail := splitSessionPath(tt.path)
		assert.Equal(t, tt.session, session, tt.path)
		assert.Equal(t, tt.tail, tail, tt.path)
	}
}

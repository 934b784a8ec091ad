package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tapwire/tapwire/internal/config"
	"github.com/tapwire/tapwire/internal/sse"
	"github.com/tapwire/tapwire/internal/store"
	"github.com/tapwire/tapwire/internal/utils"
)

// toolUse is one matching tool_use block from an aggregated assistant turn.
type toolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// roundToolCall is the persisted record of one executed tool call.
type roundToolCall struct {
	Name   string         `json:"name"`
	Input  map[string]any `json:"input"`
	Output string         `json:"output"`
	Error  string         `json:"error,omitempty"`
}

// roundRecord is the persisted record of one interception round.
type roundRecord struct {
	RoundIndex             int             `json:"round_index"`
	ToolCalls              []roundToolCall `json:"tool_calls"`
	UpstreamResponseEvents json.RawMessage `json:"upstream_response_events"`
}

// matchingToolUses extracts tool_use blocks whose name is one of the
// session's intercepted tool names, in content (block-index) order.
func matchingToolUses(message map[string]any, names []string) []toolUse {
	if message == nil {
		return nil
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	content, _ := message["content"].([]any)
	var uses []toolUse
	for _, block := range content {
		obj, ok := block.(map[string]any)
		if !ok || obj["type"] != "tool_use" {
			continue
		}
		name, _ := obj["name"].(string)
		if !wanted[name] {
			continue
		}
		id, _ := obj["id"].(string)
		input, _ := obj["input"].(map[string]any)
		uses = append(uses, toolUse{ID: id, Name: name, Input: input})
	}
	return uses
}

// shouldIntercept decides whether the interception loop runs for this
// response: session opt-in, messages endpoint, tool_use stop, and at least
// one matching block.
func shouldIntercept(sess *store.ResolvedSession, path string, agg *sse.Aggregator) bool {
	if !sess.WebFetchIntercept || !isMessagesEndpoint(path) {
		return false
	}
	if agg.StopReason() != "tool_use" {
		return false
	}
	return len(matchingToolUses(agg.Message(), sess.ToolNames())) > 0
}

// isMessagesEndpoint matches the forwarded path (no leading slash) against
// the LLM Messages endpoint.
func isMessagesEndpoint(path string) bool {
	return path == "v1/messages" || strings.HasSuffix(path, "/v1/messages")
}

// executeTools runs each matching tool call sequentially in block order.
func (p *Proxy) executeTools(sess *store.ResolvedSession, uses []toolUse) []roundToolCall {
	whitelist, whitelistSet := sess.Whitelist()
	calls := make([]roundToolCall, 0, len(uses))
	for _, use := range uses {
		url, _ := use.Input["url"].(string)
		outcome := p.fetcher.Fetch(url, whitelist, whitelistSet)
		call := roundToolCall{Name: use.Name, Input: use.Input, Output: outcome.Content}
		if outcome.IsError {
			call.Error = outcome.Content
		}
		log.Info().
			Str("tool", use.Name).
			Str("url", url).
			Bool("error", outcome.IsError).
			Msg("webfetch: executed tool call")
		calls = append(calls, call)
	}
	return calls
}

// buildFollowupBody appends the assistant turn and a user turn of
// tool_results to the in-progress request, preserving every other field.
// tool_results pair with tool_uses by id, in the same order.
func buildFollowupBody(current map[string]any, assistantContent []any, uses []toolUse, calls []roundToolCall) map[string]any {
	messages, _ := current["messages"].([]any)
	next := make([]any, 0, len(messages)+2)
	next = append(next, messages...)
	next = append(next, map[string]any{
		"role":    "assistant",
		"content": assistantContent,
	})

	results := make([]any, 0, len(calls))
	for i, call := range calls {
		result := map[string]any{
			"type":        "tool_result",
			"tool_use_id": uses[i].ID,
			"content":     call.Output,
		}
		if call.Error != "" {
			result["is_error"] = true
		}
		results = append(results, result)
	}
	next = append(next, map[string]any{
		"role":    "user",
		"content": results,
	})

	body := make(map[string]any, len(current)+1)
	for k, v := range current {
		body[k] = v
	}
	body["messages"] = next
	body["stream"] = true
	return body
}

// interceptState is what the loop hands back for persistence.
type interceptState struct {
	Rounds       []roundRecord
	LastFollowup []byte
	Note         string
}

// runInterceptLoop executes bounded multi-round interception. The first
// round's response has already been streamed to the client (minus its held
// message_stop) and aggregated into agg. Each iteration executes the
// matching tool calls, re-dispatches upstream with the results spliced in,
// and streams the new round to the client the same way. The loop ends when
// a round has no matching tool_use, MaxInterceptRounds is reached, the
// client disconnects, or an upstream error occurs. The caller releases the
// final held message_stop.
func (p *Proxy) runInterceptLoop(
	ctx context.Context,
	sess *store.ResolvedSession,
	stream *clientStream,
	agg *sse.Aggregator,
	currentBody map[string]any,
	headers http.Header,
	targetURL string,
) *interceptState {
	state := &interceptState{Rounds: []roundRecord{}}

	for roundIdx := 1; ; roundIdx++ {
		uses := matchingToolUses(agg.Message(), sess.ToolNames())
		if len(uses) == 0 {
			break
		}
		if roundIdx > config.MaxInterceptRounds {
			log.Warn().Int("max_rounds", config.MaxInterceptRounds).Msg("webfetch: max rounds reached, forwarding final turn")
			state.Note = "webfetch max rounds reached"
			break
		}
		if stream.Disconnected() {
			// The disconnect itself is noted at persistence time; no new
			// upstream rounds once the client is gone.
			break
		}

		calls := p.executeTools(sess, uses)

		assistantContent, _ := agg.Message()["content"].([]any)
		followup := buildFollowupBody(currentBody, assistantContent, uses, calls)
		followupBytes, err := utils.MarshalNoEscape(followup)
		if err != nil {
			log.Error().Err(err).Msg("webfetch: marshal follow-up failed")
			state.Note = "webfetch follow-up marshal failed"
			break
		}
		state.LastFollowup = followupBytes

		resp, err := p.dispatch(ctx, sess, http.MethodPost, targetURL, headers, followupBytes)
		if err != nil {
			log.Warn().Err(err).Int("round", roundIdx).Msg("webfetch: follow-up request failed")
			stream.SendSynthetic(upstreamErrorEvent(err))
			state.Note = "webfetch follow-up failed: " + err.Error()
			state.Rounds = append(state.Rounds, roundRecord{RoundIndex: roundIdx, ToolCalls: calls})
			break
		}

		nextAgg := sse.NewAggregator()
		roundEvents, _, readErr := streamRound(resp.Body, stream, nextAgg)
		_ = resp.Body.Close()

		record := roundRecord{RoundIndex: roundIdx, ToolCalls: calls}
		if eventsJSON, err := sse.MarshalEvents(roundEvents); err == nil {
			record.UpstreamResponseEvents = eventsJSON
		}
		state.Rounds = append(state.Rounds, record)

		if readErr != nil {
			log.Warn().Err(readErr).Int("round", roundIdx).Msg("webfetch: follow-up stream broke")
			stream.SendSynthetic(upstreamErrorEvent(readErr))
			state.Note = "webfetch follow-up stream error: " + readErr.Error()
			break
		}

		log.Info().
			Int("round", roundIdx).
			Int("tool_calls", len(calls)).
			Str("stop_reason", nextAgg.StopReason()).
			Msg("webfetch: round complete")

		currentBody = followup
		agg = nextAgg
	}

	return state
}

// streamRound copies one upstream SSE response to the client stream frame by
// frame (message_stop withheld), feeding the aggregator as it goes. Returns
// the round's parsed events and the raw upstream bytes.
func streamRound(body io.Reader, stream *clientStream, agg *sse.Aggregator) ([]sse.Event, []byte, error) {
	parser := sse.NewParser()
	var events []sse.Event
	var raw []byte
	buf := make([]byte, config.DefaultBufferSize)

	deliver := func(ev sse.Event) {
		events = append(events, ev)
		agg.Feed(ev)
		stream.Send(ev)
	}

	for {
		n, err := body.Read(buf)
		if n > 0 {
			raw = append(raw, buf[:n]...)
			for _, ev := range parser.Feed(buf[:n]) {
				deliver(ev)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return events, raw, err
		}
	}
	if ev, ok := parser.Flush(); ok {
		deliver(ev)
	}
	return events, raw, nil
}

// upstreamErrorEvent is the synthetic frame emitted when an upstream read or
// dispatch fails mid-stream.
func upstreamErrorEvent(err error) sse.Event {
	data := utils.MarshalString(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    "upstream_error",
			"message": err.Error(),
		},
	})
	return sse.Event{Name: "error", Data: data}
}

package sse

import (
	"encoding/json"
	"sort"
	"strings"
)

// Aggregator folds an Anthropic-style event stream (message_start,
// content_block_start/delta/stop, message_delta, message_stop) into the
// message object the non-streaming endpoint would have returned.
type Aggregator struct {
	message map[string]any
	blocks  map[int]*blockState
	sealed  bool
}

type blockState struct {
	block      map[string]any
	text       string
	partial    string
	hasPartial bool
	thinking   string
	signature  string
}

// NewAggregator returns an empty aggregator; feed it parsed events in order.
func NewAggregator() *Aggregator {
	return &Aggregator{blocks: make(map[int]*blockState)}
}

// Feed applies one event. Events whose data is not valid JSON, and frame
// types outside the Anthropic message protocol, are ignored.
func (a *Aggregator) Feed(ev Event) {
	if !ev.HasData() {
		return
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(ev.Data), &data); err != nil {
		return
	}

	name := ev.Name
	if name == "" {
		name, _ = data["type"].(string)
	}

	switch name {
	case "message_start":
		if msg, ok := data["message"].(map[string]any); ok {
			a.message = msg
		}
	case "content_block_start":
		idx, ok := eventIndex(data)
		if !ok {
			return
		}
		block, _ := data["content_block"].(map[string]any)
		if block == nil {
			block = map[string]any{}
		}
		a.blocks[idx] = &blockState{block: block}
	case "content_block_delta":
		idx, ok := eventIndex(data)
		if !ok {
			return
		}
		state := a.blocks[idx]
		if state == nil {
			return
		}
		delta, _ := data["delta"].(map[string]any)
		applyDelta(state, delta)
	case "content_block_stop":
		idx, ok := eventIndex(data)
		if !ok {
			return
		}
		if state := a.blocks[idx]; state != nil {
			finalizeBlock(state)
		}
	case "message_delta":
		a.applyMessageDelta(data)
	case "message_stop":
		a.sealed = true
	}
}

func eventIndex(data map[string]any) (int, bool) {
	f, ok := data["index"].(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func applyDelta(state *blockState, delta map[string]any) {
	if delta == nil {
		return
	}
	switch delta["type"] {
	case "text_delta":
		if t, ok := delta["text"].(string); ok {
			state.text += t
		}
	case "input_json_delta":
		if j, ok := delta["partial_json"].(string); ok {
			state.partial += j
			state.hasPartial = true
		}
	case "thinking_delta":
		if t, ok := delta["thinking"].(string); ok {
			state.thinking += t
		}
	case "signature_delta":
		if s, ok := delta["signature"].(string); ok {
			state.signature += s
		}
	}
}

func finalizeBlock(state *blockState) {
	switch state.block["type"] {
	case "text":
		state.block["text"] = state.text
	case "thinking":
		state.block["thinking"] = state.thinking
		if state.signature != "" {
			state.block["signature"] = state.signature
		}
	default:
		// tool_use and server_tool_use accumulate input JSON.
		if state.hasPartial {
			var input any
			if err := json.Unmarshal([]byte(state.partial), &input); err != nil {
				input = map[string]any{}
			}
			state.block["input"] = input
			state.partial = ""
			state.hasPartial = false
		}
	}
}

func (a *Aggregator) applyMessageDelta(data map[string]any) {
	if a.message == nil {
		return
	}
	if delta, ok := data["delta"].(map[string]any); ok {
		for _, key := range []string{"stop_reason", "stop_sequence"} {
			if v, present := delta[key]; present {
				a.message[key] = v
			}
		}
	}
	usage, ok := data["usage"].(map[string]any)
	if !ok {
		return
	}
	current, _ := a.message["usage"].(map[string]any)
	if current == nil {
		current = map[string]any{}
		a.message["usage"] = current
	}
	for key, v := range usage {
		n, ok := v.(float64)
		if !ok {
			current[key] = v
			continue
		}
		if prev, ok := current[key].(float64); ok {
			current[key] = prev + n
		} else {
			current[key] = n
		}
	}
}

// Sealed reports whether message_stop has been observed.
func (a *Aggregator) Sealed() bool { return a.sealed }

// Message assembles the aggregated message with content blocks in index
// order. Returns nil if no message_start was seen.
func (a *Aggregator) Message() map[string]any {
	if a.message == nil {
		return nil
	}
	indexes := make([]int, 0, len(a.blocks))
	for idx := range a.blocks {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	content := make([]any, 0, len(indexes))
	for _, idx := range indexes {
		content = append(content, a.blocks[idx].block)
	}
	a.message["content"] = content
	return a.message
}

// StopReason returns the aggregated message's stop_reason, "" when unset.
func (a *Aggregator) StopReason() string {
	if a.message == nil {
		return ""
	}
	reason, _ := a.message["stop_reason"].(string)
	return reason
}

// AggregateEvents runs a complete event list through an aggregator.
func AggregateEvents(events []Event) map[string]any {
	agg := NewAggregator()
	for _, ev := range events {
		agg.Feed(ev)
	}
	return agg.Message()
}

// IsEventStream reports whether a Content-Type header denotes SSE.
func IsEventStream(contentType string) bool {
	return strings.HasPrefix(contentType, "text/event-stream")
}

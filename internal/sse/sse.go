// Package sse parses and re-emits text/event-stream framing, and folds
// Anthropic-style message streams back into complete message objects.
package sse

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Event is one parsed SSE frame.
type Event struct {
	// Name is the frame's event: field, "" when absent.
	Name string
	// Data is the frame's data: lines joined with "\n", "" when the frame
	// carried none (comments, pings).
	Data string
	// Raw holds the frame bytes exactly as received, including the blank-line
	// separator, so forwarding stays byte-accurate.
	Raw []byte
}

// HasData reports whether the frame carried a non-empty data payload; a
// frame whose data: lines are all empty reports false.
func (e Event) HasData() bool { return e.Data != "" }

// Render serializes the event back to wire format. Used for synthesized
// frames (error injection scripts); captured frames forward their Raw bytes.
func (e Event) Render() []byte {
	var b bytes.Buffer
	if e.Name != "" {
		b.WriteString("event: ")
		b.WriteString(e.Name)
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(e.Data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.Bytes()
}

// Parser incrementally splits a byte stream into SSE frames. Feed it chunks
// as they arrive; completed frames are returned as soon as their terminating
// blank line is seen.
type Parser struct {
	buffer []byte
}

// NewParser returns an empty incremental parser.
func NewParser() *Parser {
	return &Parser{buffer: make([]byte, 0, 4096)}
}

// Feed appends a chunk and returns all frames completed by it.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buffer = append(p.buffer, chunk...)
	var events []Event
	for {
		frame, raw, rest, ok := nextFrame(p.buffer)
		if !ok {
			return events
		}
		p.buffer = rest
		events = append(events, parseFrame(frame, raw))
	}
}

// Flush returns a trailing frame that was never terminated by a blank line,
// if any. Call once at end of stream.
func (p *Parser) Flush() (Event, bool) {
	trimmed := bytes.TrimSpace(p.buffer)
	if len(trimmed) == 0 {
		p.buffer = p.buffer[:0]
		return Event{}, false
	}
	raw := p.buffer
	p.buffer = nil
	return parseFrame(trimmed, raw), true
}

// nextFrame finds the first complete frame in buf. raw includes the
// separator; frame does not.
func nextFrame(buf []byte) (frame, raw, rest []byte, ok bool) {
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
		return buf[:idx], buf[:idx+4], buf[idx+4:], true
	}
	if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
		return buf[:idx], buf[:idx+2], buf[idx+2:], true
	}
	return nil, nil, buf, false
}

func parseFrame(frame, raw []byte) Event {
	ev := Event{Raw: append([]byte(nil), raw...)}
	var dataLines []string
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if rest, found := bytes.CutPrefix(line, []byte("event:")); found {
			ev.Name = string(bytes.TrimSpace(rest))
			continue
		}
		if rest, found := bytes.CutPrefix(line, []byte("data:")); found {
			dataLines = append(dataLines, string(bytes.TrimSpace(rest)))
		}
	}
	ev.Data = strings.Join(dataLines, "\n")
	return ev
}

// Parse splits a complete buffered body into frames, including a trailing
// frame without a final blank line.
func Parse(body []byte) []Event {
	p := NewParser()
	events := p.Feed(body)
	if ev, ok := p.Flush(); ok {
		events = append(events, ev)
	}
	return events
}

// persistedEvent is the stored shape of one frame: the data payload is the
// parsed JSON when it parses, the raw string otherwise.
type persistedEvent struct {
	Event string `json:"event,omitempty"`
	Data  any    `json:"data"`
}

// MarshalEvents serializes data-carrying frames for the response_events_json
// column. Frames with no data lines are forwarded to clients but not stored.
func MarshalEvents(events []Event) ([]byte, error) {
	out := make([]persistedEvent, 0, len(events))
	for _, ev := range events {
		if !ev.HasData() {
			continue
		}
		out = append(out, persistedEvent{Event: ev.Name, Data: parseData(ev.Data)})
	}
	return json.Marshal(out)
}

func parseData(data string) any {
	var v any
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return data
	}
	return v
}

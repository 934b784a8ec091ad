package proxy

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/tapwire/tapwire/internal/sse"
)

// clientStream writes SSE frames to the client while withholding the
// terminal message_stop frame. The interception loop must not let the client
// see the turn close until it knows whether another upstream round follows;
// ReleaseStop emits the held frame once the loop decides to terminate.
//
// Every frame destined for the client is also recorded (in order) for
// persistence, so the stored event list matches what the client observed.
type clientStream struct {
	w       http.ResponseWriter
	flusher http.Flusher

	heldStop     *sse.Event
	events       []sse.Event
	disconnected bool
}

func newClientStream(w http.ResponseWriter) *clientStream {
	flusher, _ := w.(http.Flusher)
	return &clientStream{w: w, flusher: flusher}
}

// Send forwards one frame, holding back message_stop frames. A later
// message_stop replaces an earlier held one (each interception round
// produces its own; only the last survives to the client).
func (s *clientStream) Send(ev sse.Event) {
	if ev.Name == "message_stop" {
		held := ev
		s.heldStop = &held
		return
	}
	s.write(ev)
}

// ReleaseStop emits the held message_stop, closing the client-visible turn.
// Exactly one message_stop reaches the client per pipeline.
func (s *clientStream) ReleaseStop() {
	if s.heldStop == nil {
		return
	}
	s.write(*s.heldStop)
	s.heldStop = nil
}

// SendSynthetic renders and sends a proxy-generated frame (mid-stream error
// notices, injected SSE scripts).
func (s *clientStream) SendSynthetic(ev sse.Event) {
	ev.Raw = ev.Render()
	s.Send(ev)
}

func (s *clientStream) write(ev sse.Event) {
	// Only transmitted frames are recorded: the persisted event list must
	// match what the client actually received.
	if s.disconnected {
		return
	}
	if _, err := s.w.Write(ev.Raw); err != nil {
		log.Debug().Err(err).Msg("client disconnected mid-stream")
		s.disconnected = true
		return
	}
	s.events = append(s.events, ev)
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// Disconnected reports whether a client write has failed.
func (s *clientStream) Disconnected() bool { return s.disconnected }

// Events returns every frame actually sent to the client, in order,
// including a released message_stop.
func (s *clientStream) Events() []sse.Event { return s.events }

// RawBytes reassembles the byte stream the client observed.
func (s *clientStream) RawBytes() []byte {
	var out []byte
	for _, ev := range s.events {
		out = append(out, ev.Raw...)
	}
	return out
}

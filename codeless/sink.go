package codeless

import (
	"context"
	"strings"
)

// inboundSink implements registry.ResponseSink for a single inbound
// command, writing its reply back out through the Inbound
// characteristic.
type inboundSink struct {
	e        *Engine
	ctx      context.Context
	buffered []string
}

func (s *inboundSink) SendResponse(body string) {
	if s.e.cfg.SingleWriteResponse {
		s.buffered = append(s.buffered, body)
		return
	}
	s.e.writeRaw(s.ctx, body)
}

func (s *inboundSink) SendSuccess(body string) { s.terminate(body, "OK", s.e.cfg.EmptyLineBeforeOK) }
func (s *inboundSink) SendError(body string)   { s.terminate(body, "ERROR", s.e.cfg.EmptyLineBeforeError) }

// HostReply is how the embedder answers a HostCommand event. It
// implements registry.ResponseSink; the exchange ends on the first
// SendSuccess or SendError, which frees the inbound slot for the next
// command. Calls after termination are ignored.
type HostReply struct {
	e    *Engine
	sink *inboundSink
}

func (r *HostReply) SendResponse(body string) {
	r.e.mu.Lock()
	live := r.e.pendingIn == r
	r.e.mu.Unlock()
	if live {
		r.sink.SendResponse(body)
	}
}

func (r *HostReply) SendSuccess(body string) { r.finish(func() { r.sink.SendSuccess(body) }) }
func (r *HostReply) SendError(body string)   { r.finish(func() { r.sink.SendError(body) }) }

func (r *HostReply) finish(write func()) {
	r.e.mu.Lock()
	if r.e.pendingIn != r {
		r.e.mu.Unlock()
		return
	}
	r.e.pendingIn = nil
	r.e.mu.Unlock()
	write()
}

func (s *inboundSink) terminate(body, terminator string, pad bool) {
	if s.e.cfg.SingleWriteResponse {
		lines := append([]string{}, s.buffered...)
		if body != "" {
			lines = append(lines, body)
		}
		if pad {
			lines = append(lines, "")
		}
		lines = append(lines, terminator)
		s.e.writeRaw(s.ctx, strings.Join(lines, "\n"))
		return
	}
	if body != "" {
		s.e.writeRaw(s.ctx, body)
	}
	if pad {
		s.e.writeRaw(s.ctx, "")
	}
	s.e.writeRaw(s.ctx, terminator)
}

package codeless

import (
	"context"
	"fmt"

	"blelink/events"
)

// SetMode drives the mode handshake. It is
// idempotent: calling with the current mode is a no-op. Entering Binary
// either sends BINREQ (then waits for the peer's BINREQACK) or sends
// BINREQACK directly, depending on mode_change_send_binary_request.
// Leaving Binary sends BINEXIT.
func (e *Engine) SetMode(ctx context.Context, target Mode) error {
	e.mu.Lock()
	current := e.mode
	e.mu.Unlock()
	if current == target {
		return nil
	}

	if target == ModeBinary {
		if e.cfg.ModeChangeSendBinaryReq {
			return e.sendModeCommand(ctx, "BINREQ")
		}
		return e.sendModeCommand(ctx, "BINREQACK")
	}
	return e.sendModeCommand(ctx, "BINEXIT")
}

// AcceptBinaryModeRequest answers a peer's BINREQ (surfaced via a
// BinaryModeRequest event when host_binary_request is set) by sending
// BINREQACK.
func (e *Engine) AcceptBinaryModeRequest(ctx context.Context) error {
	return e.sendModeCommand(ctx, "BINREQACK")
}

func (e *Engine) sendModeCommand(ctx context.Context, id string) error {
	d, ok := e.reg.New(id)
	if !ok {
		return fmt.Errorf("codeless: mode command %q not registered", id)
	}
	_, err := e.Send(ctx, d)
	return err
}

// onModeCommandSent runs once a mode command this side sent completes
// with OK.
func (e *Engine) onModeCommandSent(ctx context.Context, identifier string) {
	switch identifier {
	case "BINREQACK":
		e.transitionTo(ModeBinary)
	case "BINEXIT", "BINEXITACK":
		e.transitionTo(ModeCommand)
	}
}

// onModeCommandReceived runs once we've replied OK to an inbound mode
// command.
func (e *Engine) onModeCommandReceived(ctx context.Context, identifier string) {
	switch identifier {
	case "BINREQACK":
		e.transitionTo(ModeBinary)
	case "BINREQ":
		e.handleBinReqReceived(ctx)
	case "BINEXIT":
		e.handleBinExitReceived(ctx)
	case "BINEXITACK":
		e.transitionTo(ModeCommand)
	}
}

// handleBinReqReceived either escalates to the host via a
// BinaryModeRequest event (the host then calls AcceptBinaryModeRequest)
// or auto-acks immediately.
func (e *Engine) handleBinReqReceived(ctx context.Context) {
	if e.cfg.HostBinaryRequest {
		e.bus.Emit(events.Event{Kind: events.KindBinaryModeRequest, SessionID: e.sessionID})
		return
	}
	_ = e.AcceptBinaryModeRequest(ctx)
}

// handleBinExitReceived transitions to Command immediately and auto-acks
// with BINEXITACK.
func (e *Engine) handleBinExitReceived(ctx context.Context) {
	e.transitionTo(ModeCommand)
	_ = e.sendModeCommand(ctx, "BINEXITACK")
}

// transitionTo flips the mode flag, if it isn't already there, and
// emits a Mode event. Dropping queued non-mode CodeLess traffic on
// Command->Binary is a no-op by construction: Send refuses to queue a
// second outbound command while one is pending, so nothing is ever
// queued behind the in-flight op for this transition to drop. Starting/
// stopping DSPS statistics and resume_dsps/pause_dsps are wired by the
// session layer, which observes this Mode event synchronously.
func (e *Engine) transitionTo(target Mode) {
	e.mu.Lock()
	if e.mode == target {
		e.mu.Unlock()
		return
	}
	e.mode = target
	e.mu.Unlock()
	e.bus.Emit(events.Event{Kind: events.KindMode, SessionID: e.sessionID, Payload: target})
}

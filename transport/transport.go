// Package transport defines the abstract seam between the engine and
// whatever BLE (or BLE-like) stack actually owns the radio. Nothing above
// this package knows about service discovery, connection state, or MTU
// negotiation mechanics beyond calling through this interface.
package transport

import (
	"context"
	"errors"
)

// ErrDescriptorsUnsupported is returned by adapters whose underlying
// stack owns descriptor access itself.
var ErrDescriptorsUnsupported = errors.New("transport: descriptor access not supported")

// Characteristic names the six GATT characteristics of the CodeLess
// and DSPS services. It is an opaque handle as far as callers above this package are
// concerned; a concrete Adapter maps it to whatever UUID or platform
// handle its underlying stack needs.
type Characteristic int

const (
	CodelessInbound Characteristic = iota
	CodelessOutbound
	CodelessFlow
	DspsServerRX
	DspsServerTX
	DspsFlow
)

func (c Characteristic) String() string {
	switch c {
	case CodelessInbound:
		return "CodelessInbound"
	case CodelessOutbound:
		return "CodelessOutbound"
	case CodelessFlow:
		return "CodelessFlow"
	case DspsServerRX:
		return "DspsServerRX"
	case DspsServerTX:
		return "DspsServerTX"
	case DspsFlow:
		return "DspsFlow"
	default:
		return "Unknown"
	}
}

// Notification is a single incoming value-change on a notifying
// characteristic (CodelessFlow, DspsServerTX, DspsFlow).
type Notification struct {
	Characteristic Characteristic
	Data           []byte
}

// Adapter is implemented by whatever owns the actual BLE connection. The
// engine never calls these concurrently with itself - every call is
// issued one at a time by gattqueue.Scheduler - but an Adapter must still
// be safe to call from the goroutine that delivers Notifications, which
// runs concurrently with the scheduler's dispatch goroutine.
type Adapter interface {
	// WriteCharacteristic writes payload to ch. withResponse selects
	// between a GATT Write Request (acked, used for CodeLess Inbound) and
	// a Write Command (fire-and-forget, used for DSPS Server-RX chunks
	// and the Flow-Control characteristics).
	WriteCharacteristic(ctx context.Context, ch Characteristic, payload []byte, withResponse bool) error

	// ReadCharacteristic issues a GATT read, used for the CodeLess
	// Outbound characteristic in response to a Flow notification.
	ReadCharacteristic(ctx context.Context, ch Characteristic) ([]byte, error)

	// ReadDescriptor and WriteDescriptor access a descriptor of ch by its
	// 16-bit UUID (e.g. 0x2902 for the client characteristic
	// configuration). Stacks that manage descriptors internally may
	// return ErrDescriptorsUnsupported.
	ReadDescriptor(ctx context.Context, ch Characteristic, desc uint16) ([]byte, error)
	WriteDescriptor(ctx context.Context, ch Characteristic, desc uint16, payload []byte) error

	// RequestMTU asks the peer to negotiate up to want bytes and returns
	// whatever MTU was actually agreed.
	RequestMTU(ctx context.Context, want int) (int, error)

	// Notifications returns the channel notifications are delivered on.
	// The channel is closed when the underlying connection tears down.
	Notifications() <-chan Notification

	// Close tears down the connection and releases any resources. After
	// Close, Notifications() is closed and further writes/reads fail.
	Close() error
}

// Dialer opens an Adapter to a named peer. Concrete adapters (blefront,
// serialfront) each provide one.
type Dialer interface {
	Dial(ctx context.Context, target string) (Adapter, error)
}

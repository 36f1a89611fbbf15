// Package serialfront implements transport.Adapter over a UART, for
// bench and replay setups where the peer firmware is wired to a serial
// passthrough instead of a radio. The six logical characteristics are
// multiplexed over the line with a small tagged frame:
//
//	[tag][len lo][len hi][payload...]
//
// where tag is the transport.Characteristic number for a value push
// (peer to host) or write (host to peer), and tag|0x80 is a host read
// request the peer answers with a plain push on the same tag.
package serialfront

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
	"golang.org/x/time/rate"

	"blelink/transport"
)

const readRequestBit = 0x80

// Config names the serial line and its shape.
type Config struct {
	Device string
	Baud   int
	// MTU is reported by RequestMTU; a serial line has no ATT layer to
	// negotiate with, so the bench harness just declares one.
	MTU int
}

// DefaultConfig returns the bench defaults.
func DefaultConfig() Config {
	return Config{Baud: 115200, MTU: 247}
}

// Dialer opens serial-backed adapters.
type Dialer struct {
	Config Config
}

// Dial opens the serial device named by target (overriding Config.Device
// when non-empty) and starts the frame reader.
func (d *Dialer) Dial(_ context.Context, target string) (transport.Adapter, error) {
	cfg := d.Config
	if cfg.Baud == 0 {
		cfg = DefaultConfig()
	}
	if target != "" {
		cfg.Device = target
	}
	port, err := serial.OpenPort(&serial.Config{Name: cfg.Device, Baud: cfg.Baud})
	if err != nil {
		return nil, fmt.Errorf("serialfront: open %s: %w", cfg.Device, err)
	}
	return newAdapter(port, cfg), nil
}

// Adapter drives the tagged-frame protocol over any ReadWriteCloser.
type Adapter struct {
	cfg     Config
	rw      io.ReadWriteCloser
	limiter *rate.Limiter
	notify  chan transport.Notification

	writeMu sync.Mutex

	mu     sync.Mutex
	reads  map[transport.Characteristic]chan []byte
	closed bool
}

// newAdapter wraps rw. Writes are paced to the line's byte rate so a
// burst of DSPS chunks doesn't overrun the UART's buffer, the same way
// the radio's connection interval paces a real link.
func newAdapter(rw io.ReadWriteCloser, cfg Config) *Adapter {
	bytesPerSec := cfg.Baud / 10
	if bytesPerSec <= 0 {
		bytesPerSec = 11520
	}
	a := &Adapter{
		cfg:     cfg,
		rw:      rw,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec),
		notify:  make(chan transport.Notification, 64),
		reads:   make(map[transport.Characteristic]chan []byte),
	}
	go a.readLoop()
	return a
}

// New wraps an already-open line, for tests that substitute an in-memory
// pipe for the UART.
func New(rw io.ReadWriteCloser, cfg Config) *Adapter {
	return newAdapter(rw, cfg)
}

func (a *Adapter) readLoop() {
	header := make([]byte, 3)
	for {
		if _, err := io.ReadFull(a.rw, header); err != nil {
			a.shutdown()
			return
		}
		tag := transport.Characteristic(header[0] &^ readRequestBit)
		length := int(header[1]) | int(header[2])<<8
		payload := make([]byte, length)
		if _, err := io.ReadFull(a.rw, payload); err != nil {
			a.shutdown()
			return
		}
		a.deliver(tag, payload)
	}
}

// deliver routes one inbound frame: notifying characteristics go to the
// notification channel, everything else answers the oldest waiting read.
func (a *Adapter) deliver(tag transport.Characteristic, payload []byte) {
	switch tag {
	case transport.CodelessFlow, transport.DspsServerTX, transport.DspsFlow:
		select {
		case a.notify <- transport.Notification{Characteristic: tag, Data: payload}:
		default:
		}
	default:
		a.mu.Lock()
		ch := a.reads[tag]
		a.mu.Unlock()
		if ch != nil {
			select {
			case ch <- payload:
			default:
			}
		}
	}
}

func (a *Adapter) writeFrame(ctx context.Context, tag byte, payload []byte) error {
	frame := make([]byte, 0, 3+len(payload))
	frame = append(frame, tag, byte(len(payload)), byte(len(payload)>>8))
	frame = append(frame, payload...)
	if err := a.limiter.WaitN(ctx, len(frame)); err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, err := a.rw.Write(frame)
	return err
}

func (a *Adapter) WriteCharacteristic(ctx context.Context, ch transport.Characteristic, payload []byte, _ bool) error {
	return a.writeFrame(ctx, byte(ch), payload)
}

func (a *Adapter) ReadCharacteristic(ctx context.Context, ch transport.Characteristic) ([]byte, error) {
	a.mu.Lock()
	waiter, ok := a.reads[ch]
	if !ok {
		waiter = make(chan []byte, 1)
		a.reads[ch] = waiter
	}
	a.mu.Unlock()

	if err := a.writeFrame(ctx, byte(ch)|readRequestBit, nil); err != nil {
		return nil, err
	}
	select {
	case data := <-waiter:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("serialfront: read of %s timed out", ch)
	}
}

// ReadDescriptor and WriteDescriptor are unsupported: a serial line has
// no ATT layer to hold descriptors.
func (a *Adapter) ReadDescriptor(context.Context, transport.Characteristic, uint16) ([]byte, error) {
	return nil, transport.ErrDescriptorsUnsupported
}

func (a *Adapter) WriteDescriptor(context.Context, transport.Characteristic, uint16, []byte) error {
	return transport.ErrDescriptorsUnsupported
}

func (a *Adapter) RequestMTU(context.Context, int) (int, error) {
	if a.cfg.MTU > 0 {
		return a.cfg.MTU, nil
	}
	return 23, nil
}

func (a *Adapter) Notifications() <-chan transport.Notification { return a.notify }

func (a *Adapter) shutdown() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()
	close(a.notify)
}

func (a *Adapter) Close() error {
	err := a.rw.Close()
	a.shutdown()
	return err
}

// Package blefront implements transport.Adapter over a real BLE radio
// via tinygo.org/x/bluetooth. It discovers the CodeLess and DSPS
// services, maps their six characteristics to transport.Characteristic
// handles, and funnels the three notifying characteristics into one
// Notification channel.
package blefront

import (
	"context"
	"fmt"

	"tinygo.org/x/bluetooth"

	"blelink/transport"
)

// ServiceUUIDs names the two GATT services and six characteristics the
// peer exposes. Zero-value fields fall back to the stock UUIDs.
type ServiceUUIDs struct {
	CodelessService  string
	CodelessInbound  string
	CodelessOutbound string
	CodelessFlow     string
	DspsService      string
	DspsServerRX     string
	DspsServerTX     string
	DspsFlow         string
}

// DefaultUUIDs returns the UUID set stock peer firmware advertises.
func DefaultUUIDs() ServiceUUIDs {
	return ServiceUUIDs{
		CodelessService:  "866d3b04-e674-40dc-9c05-b7f91bec6e83",
		CodelessInbound:  "914f8fb9-e8cd-411d-b7d1-14594de45425",
		CodelessOutbound: "3bb535aa-50b2-4fbe-aa09-6b06dc59a404",
		CodelessFlow:     "e2048b39-d4f9-4a45-9f25-1856c10d5639",
		DspsService:      "0783b03e-8535-b5a0-7140-a304d2495cb7",
		DspsServerTX:     "0783b03e-8535-b5a0-7140-a304d2495cb8",
		DspsFlow:         "0783b03e-8535-b5a0-7140-a304d2495cb9",
		DspsServerRX:     "0783b03e-8535-b5a0-7140-a304d2495cba",
	}
}

// Dialer connects to peers over the machine's default BLE adapter.
type Dialer struct {
	UUIDs ServiceUUIDs
}

// Dial connects to the peer at the given MAC address, discovers both
// services, and subscribes the notify characteristics. The returned
// Adapter is ready for a session.Session.
func (d *Dialer) Dial(ctx context.Context, target string) (transport.Adapter, error) {
	ble := bluetooth.DefaultAdapter
	if err := ble.Enable(); err != nil {
		return nil, fmt.Errorf("blefront: enable adapter: %w", err)
	}

	mac, err := bluetooth.ParseMAC(target)
	if err != nil {
		return nil, fmt.Errorf("blefront: bad address %q: %w", target, err)
	}
	addr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}

	dev, err := ble.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("blefront: connect %s: %w", target, err)
	}

	a := &Adapter{
		device: dev,
		notify: make(chan transport.Notification, 64),
		chars:  make(map[transport.Characteristic]*bluetooth.DeviceCharacteristic),
	}
	uuids := d.UUIDs
	if uuids == (ServiceUUIDs{}) {
		uuids = DefaultUUIDs()
	}
	if err := a.discover(uuids); err != nil {
		_ = dev.Disconnect()
		return nil, err
	}
	if err := a.subscribe(); err != nil {
		_ = dev.Disconnect()
		return nil, err
	}
	return a, nil
}

// Adapter is the live BLE-backed transport.Adapter.
type Adapter struct {
	device bluetooth.Device
	notify chan transport.Notification
	chars  map[transport.Characteristic]*bluetooth.DeviceCharacteristic
}

// discover resolves all six characteristics by UUID, failing if any is
// missing: a peer without the full CodeLess+DSPS surface can't carry a
// session.
func (a *Adapter) discover(u ServiceUUIDs) error {
	wanted := []struct {
		service string
		char    string
		handle  transport.Characteristic
	}{
		{u.CodelessService, u.CodelessInbound, transport.CodelessInbound},
		{u.CodelessService, u.CodelessOutbound, transport.CodelessOutbound},
		{u.CodelessService, u.CodelessFlow, transport.CodelessFlow},
		{u.DspsService, u.DspsServerRX, transport.DspsServerRX},
		{u.DspsService, u.DspsServerTX, transport.DspsServerTX},
		{u.DspsService, u.DspsFlow, transport.DspsFlow},
	}

	services := map[string][]bluetooth.DeviceCharacteristic{}
	for _, svcUUID := range []string{u.CodelessService, u.DspsService} {
		id, err := bluetooth.ParseUUID(svcUUID)
		if err != nil {
			return fmt.Errorf("blefront: bad service uuid %q: %w", svcUUID, err)
		}
		svcs, err := a.device.DiscoverServices([]bluetooth.UUID{id})
		if err != nil {
			return fmt.Errorf("blefront: discover service %s: %w", svcUUID, err)
		}
		if len(svcs) == 0 {
			return fmt.Errorf("blefront: service %s not found", svcUUID)
		}
		chars, err := svcs[0].DiscoverCharacteristics(nil)
		if err != nil {
			return fmt.Errorf("blefront: discover characteristics of %s: %w", svcUUID, err)
		}
		services[svcUUID] = chars
	}

	for _, w := range wanted {
		id, err := bluetooth.ParseUUID(w.char)
		if err != nil {
			return fmt.Errorf("blefront: bad characteristic uuid %q: %w", w.char, err)
		}
		found := false
		for i := range services[w.service] {
			if services[w.service][i].UUID() == id {
				c := services[w.service][i]
				a.chars[w.handle] = &c
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("blefront: characteristic %s (%s) not found", w.handle, w.char)
		}
	}
	return nil
}

// subscribe enables notifications on the three notifying characteristics
// and forwards each value change into the shared channel. A full channel
// drops the notification; the peer's flow control recovers the stream.
func (a *Adapter) subscribe() error {
	for _, h := range []transport.Characteristic{transport.CodelessFlow, transport.DspsServerTX, transport.DspsFlow} {
		handle := h
		char := a.chars[h]
		err := char.EnableNotifications(func(buf []byte) {
			data := make([]byte, len(buf))
			copy(data, buf)
			select {
			case a.notify <- transport.Notification{Characteristic: handle, Data: data}:
			default:
			}
		})
		if err != nil {
			return fmt.Errorf("blefront: enable notifications on %s: %w", handle, err)
		}
	}
	return nil
}

func (a *Adapter) WriteCharacteristic(_ context.Context, ch transport.Characteristic, payload []byte, withResponse bool) error {
	char, ok := a.chars[ch]
	if !ok {
		return fmt.Errorf("blefront: no such characteristic %s", ch)
	}
	var err error
	if withResponse {
		_, err = char.Write(payload)
	} else {
		_, err = char.WriteWithoutResponse(payload)
	}
	if err != nil {
		return fmt.Errorf("blefront: write %s: %w", ch, err)
	}
	return nil
}

// ReadDescriptor and WriteDescriptor are unsupported: the underlying
// stack manages descriptors itself (EnableNotifications writes the
// client characteristic configuration).
func (a *Adapter) ReadDescriptor(context.Context, transport.Characteristic, uint16) ([]byte, error) {
	return nil, transport.ErrDescriptorsUnsupported
}

func (a *Adapter) WriteDescriptor(context.Context, transport.Characteristic, uint16, []byte) error {
	return transport.ErrDescriptorsUnsupported
}

func (a *Adapter) ReadCharacteristic(_ context.Context, ch transport.Characteristic) ([]byte, error) {
	char, ok := a.chars[ch]
	if !ok {
		return nil, fmt.Errorf("blefront: no such characteristic %s", ch)
	}
	buf := make([]byte, 512)
	n, err := char.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("blefront: read %s: %w", ch, err)
	}
	return buf[:n], nil
}

// RequestMTU reports the MTU the OS stack already negotiated. The
// platform stacks negotiate on connect; want is an upper bound the
// caller would accept, not a demand this layer can force.
func (a *Adapter) RequestMTU(_ context.Context, want int) (int, error) {
	char, ok := a.chars[transport.DspsServerRX]
	if !ok {
		return 0, fmt.Errorf("blefront: not connected")
	}
	mtu, err := char.GetMTU()
	if err != nil {
		return 0, fmt.Errorf("blefront: get mtu: %w", err)
	}
	if int(mtu) > want {
		return want, nil
	}
	return int(mtu), nil
}

func (a *Adapter) Notifications() <-chan transport.Notification { return a.notify }

func (a *Adapter) Close() error {
	err := a.device.Disconnect()
	close(a.notify)
	return err
}

package mctp

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/amboar/kcs"
)

// Handler receives validated MCTP payloads from a binding. ReceivePacket
// runs on the binding's receive worker, off the event path, so it may
// block and may call back into b.Send.
type Handler interface {
	ReceivePacket(b *Binding, payload []byte)
}

// Driver is the MCTP protocol implementation for the KCS subsystem. It
// creates one Binding per KCS device. Configure the exported fields
// before registering the driver.
type Driver struct {

	// Handler receives inbound payloads. Required.
	Handler Handler

	// OnBinding, if set, is called with each newly created binding,
	// before any traffic can arrive. The binding is returned to the
	// caller's control for Open/Close/Send.
	OnBinding func(b *Binding)

	// Log defaults to slog.Default().
	Log *slog.Logger

	mu       sync.Mutex
	bindings map[*kcs.Client]*Binding
}

var _ kcs.Driver = (*Driver)(nil)

// AddDevice implements kcs.Driver by building a binding for the device.
func (d *Driver) AddDevice(dev *kcs.Device) (*kcs.Client, error) {
	if d.Handler == nil {
		return nil, errors.New("mctp: driver has no packet handler")
	}

	log := d.Log
	if log == nil {
		log = slog.Default()
	}

	b := &Binding{
		handler: d.Handler,
		log:     log,
		rxC:     make(chan struct{}, 1),
		doneC:   make(chan struct{}),
	}

	b.client = kcs.NewClient(b, d, dev)

	d.mu.Lock()
	if d.bindings == nil {
		d.bindings = make(map[*kcs.Client]*Binding)
	}
	d.bindings[b.client] = b
	d.mu.Unlock()

	go b.rxWorker()

	log.Info("mctp: add MCTP client for KCS channel", "channel", dev.Channel())

	if d.OnBinding != nil {
		d.OnBinding(b)
	}

	return b.client, nil
}

// RemoveDevice implements kcs.Driver by tearing the binding down: any
// in-flight exchange is cancelled, the client is disabled and the
// receive worker is stopped.
func (d *Driver) RemoveDevice(c *kcs.Client) {
	d.mu.Lock()
	b := d.bindings[c]
	delete(d.bindings, c)
	d.mu.Unlock()

	if b == nil {
		return
	}

	b.log.Info("mctp: remove MCTP client for KCS channel", "channel", b.Channel())

	b.Close()
	close(b.doneC)
}

// Binding returns the driver's binding for the given KCS channel, or nil.
func (d *Driver) Binding(channel int) *Binding {
	d.mu.Lock()
	defer d.mu.Unlock()

	for c, b := range d.bindings {
		if c.Device().Channel() == channel {
			return b
		}
	}

	return nil
}

// Package serio adapts a KCS channel into a raw byte source: every input
// byte the host writes is forwarded, unframed, to a Sink. It is the
// thinnest possible KCS client and doubles as a second protocol driver
// for exercising the device/driver/client matrix.
package serio

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/amboar/kcs"
)

// Sink consumes bytes forwarded from a KCS channel. Interrupt is called
// from the event path and must not block.
type Sink interface {
	Interrupt(data uint8)
}

// Adapter is one channel's byte-forwarding client.
type Adapter struct {
	client *kcs.Client
	sink   Sink

	mu sync.Mutex
}

// Open makes the adapter the active client on its device. It fails with
// unix.EBUSY if another client is active.
func (a *Adapter) Open() error {
	return a.client.Enable()
}

// Close releases the device. Idempotent.
func (a *Adapter) Close() {
	a.client.Disable()
}

// HandleEvent implements kcs.EventHandler: if the input buffer is full,
// the byte is consumed and forwarded to the sink.
func (a *Adapter) HandleEvent(c *kcs.Client) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c.ReadStatus()&kcs.StatusIBF != 0 {
		a.sink.Interrupt(c.ReadData())
		return true
	}

	return false
}

// Driver builds an Adapter per KCS device.
type Driver struct {

	// NewSink builds the sink for a channel's adapter. Required.
	NewSink func(channel int) (Sink, error)

	// OnAdapter, if set, is called with each newly created adapter.
	OnAdapter func(a *Adapter)

	// Log defaults to slog.Default().
	Log *slog.Logger

	mu       sync.Mutex
	adapters map[*kcs.Client]*Adapter
}

var _ kcs.Driver = (*Driver)(nil)

// AddDevice implements kcs.Driver.
func (d *Driver) AddDevice(dev *kcs.Device) (*kcs.Client, error) {
	if d.NewSink == nil {
		return nil, errors.New("serio: driver has no sink factory")
	}

	log := d.Log
	if log == nil {
		log = slog.Default()
	}

	sink, err := d.NewSink(dev.Channel())
	if err != nil {
		return nil, err
	}

	a := new(Adapter)
	a.sink = sink
	a.client = kcs.NewClient(a, d, dev)

	d.mu.Lock()
	if d.adapters == nil {
		d.adapters = make(map[*kcs.Client]*Adapter)
	}
	d.adapters[a.client] = a
	d.mu.Unlock()

	log.Info("serio: initialised adapter for KCS channel", "channel", dev.Channel())

	if d.OnAdapter != nil {
		d.OnAdapter(a)
	}

	return a.client, nil
}

// RemoveDevice implements kcs.Driver. The adapter is disabled if it was
// active, and the sink is closed if it implements io.Closer.
func (d *Driver) RemoveDevice(c *kcs.Client) {
	d.mu.Lock()
	a := d.adapters[c]
	delete(d.adapters, c)
	d.mu.Unlock()

	if a == nil {
		return
	}

	a.Close()

	if closer, ok := a.sink.(io.Closer); ok {
		closer.Close()
	}
}

// Adapter returns the driver's adapter for the given KCS channel, or nil.
func (d *Driver) Adapter(channel int) *Adapter {
	d.mu.Lock()
	defer d.mu.Unlock()

	for c, a := range d.adapters {
		if c.Device().Channel() == channel {
			return a
		}
	}

	return nil
}

package kcs

import (
	"log/slog"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// EventHandler is notified when the client's device has an active
// interrupt. It is called with the device lock held; implementations
// must complete synchronously without blocking.
type EventHandler interface {
	HandleEvent(c *Client) bool
}

// Driver is an implementation of a protocol run over a KCS channel.
// AddDevice is called once for every known device to create a client
// instance; RemoveDevice destroys one when the device or the driver
// goes away.
type Driver interface {
	AddDevice(dev *Device) (*Client, error)
	RemoveDevice(c *Client)
}

// Client associates a protocol driver with a KCS device. The pairing is
// fixed for the client's lifetime; only its enabled state changes.
type Client struct {
	handler EventHandler
	drv     Driver
	dev     *Device

	warned atomic.Bool
}

// NewClient builds a client instance for the given pairing. It is
// intended to be called from a Driver's AddDevice.
func NewClient(handler EventHandler, drv Driver, dev *Device) *Client {
	return &Client{handler: handler, drv: drv, dev: dev}
}

// Device returns the device the client is bound to.
func (c *Client) Device() *Device {
	return c.dev
}

// Enable makes the client active on its device and unmasks the IBF
// event source. It fails with unix.EBUSY if the device already has an
// active client; there is no preemption.
func (c *Client) Enable() error {
	d := c.dev

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client.Load() != nil {
		return unix.EBUSY
	}

	d.client.Store(c)
	d.io.SetEventMask(EventIBF, EventIBF)

	return nil
}

// Disable removes the client from active use. If the client is the
// device's active client, both event sources are masked and the device's
// active slot is cleared. Disabling a client that is not active is a
// no-op, so Disable is safe to call unconditionally on teardown.
func (c *Client) Disable() {
	d := c.dev

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client.Load() == c {
		d.io.SetEventMask(EventIBF|EventOBE, 0)
		d.client.Store(nil)
	}
}

// validate warns (once per client) when a register accessor is called by
// a client that is not the device's active client. The access proceeds
// regardless: the result may be stale or ignored by the hardware.
func (c *Client) validate() {
	if c.dev.client.Load() != c && !c.warned.Swap(true) {
		slog.Warn("kcs: client confusion detected", "channel", c.dev.channel)
	}
}

// ReadData reads the Input Data Register (IDR).
func (c *Client) ReadData() uint8 {
	c.validate()
	return c.dev.io.ReadInput()
}

// WriteData writes the Output Data Register (ODR).
func (c *Client) WriteData(v uint8) {
	c.validate()
	c.dev.io.WriteOutput(v)
}

// ReadStatus reads the Status Register (STR).
func (c *Client) ReadStatus() uint8 {
	c.validate()
	return c.dev.io.ReadStatus()
}

// WriteStatus writes the Status Register (STR).
func (c *Client) WriteStatus(v uint8) {
	c.validate()
	c.dev.io.WriteStatus(v)
}

// UpdateStatus writes the STR bits selected by mask to v.
func (c *Client) UpdateStatus(mask, v uint8) {
	c.validate()
	c.dev.io.UpdateStatus(mask, v)
}

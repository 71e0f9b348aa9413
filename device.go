package kcs

import (
	"sync"
	"sync/atomic"
)

// Device is an abstract representation of one KCS channel. The channel
// number identifies the physical instance; register access is delegated
// to the RegisterIO implementation supplied by the device glue.
type Device struct {
	channel int
	io      RegisterIO

	// mu serializes event dispatch against enable/disable.
	mu     sync.Mutex
	client atomic.Pointer[Client]
}

// NewDevice wraps a register interface as a KCS device. The device holds
// no active client until one is enabled.
func NewDevice(channel int, io RegisterIO) *Device {
	return &Device{channel: channel, io: io}
}

// Channel returns the IPMI channel number for the device.
func (d *Device) Channel() int {
	return d.channel
}

// HandleEvent dispatches a hardware interrupt to the device's active
// client, if any. It reports whether the event was handled. Events
// arriving while no client is active are dropped.
//
// Dispatch is serialized per device: a second event cannot begin
// processing until the prior one's state transitions and register
// accesses have completed.
func (d *Device) HandleEvent() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c := d.client.Load(); c != nil {
		return c.handler.HandleEvent(c)
	}

	return false
}

package kcs

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Registry tracks known devices and protocol drivers and maintains a
// client instance for every device/driver pairing. All operations hold
// one registry-wide mutex for their full duration: device and driver
// churn is rare, and per-message traffic never touches this lock.
//
// Registry operations block and must not be called from an event
// handler.
type Registry struct {
	log *slog.Logger

	mu      sync.Mutex
	devices []*Device
	drivers []Driver
	clients []*Client
}

// NewRegistry returns an empty registry. If log is nil, slog.Default()
// is used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}

	return &Registry{log: log}
}

// RegisterDriver adds a protocol driver and pairs it with every known
// device. Pairing is best-effort: a factory failure against one device
// is logged and the remaining devices are still attempted. Generally
// only invoked at startup.
func (r *Registry) RegisterDriver(drv Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.drivers = append(r.drivers, drv)
	for _, dev := range r.devices {
		client, err := drv.AddDevice(dev)
		if err != nil {
			r.log.Error("kcs: failed to add driver for KCS channel",
				"channel", dev.channel, "err", err)
			continue
		}

		r.clients = append(r.clients, client)
	}
}

// UnregisterDriver destroys every client owned by the driver and forgets
// the driver. Generally only invoked at shutdown.
func (r *Registry) UnregisterDriver(drv Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients = slices.DeleteFunc(r.clients, func(c *Client) bool {
		if c.drv == drv {
			drv.RemoveDevice(c)
			return true
		}

		return false
	})

	r.drivers = slices.DeleteFunc(r.drivers, func(d Driver) bool {
		return d == drv
	})
}

// AddDevice announces a new KCS channel and pairs it with every
// registered driver. Unlike RegisterDriver, a factory failure here is a
// hard error: the loop aborts and the error is propagated. Clients
// created by earlier drivers in the same call remain active.
func (r *Registry) AddDevice(dev *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev.client.Store(nil)

	r.devices = append(r.devices, dev)
	for _, drv := range r.drivers {
		client, err := drv.AddDevice(dev)
		if err != nil {
			r.log.Error("kcs: failed to add client for KCS channel",
				"channel", dev.channel, "err", err)
			return fmt.Errorf("kcs: add device on channel %d: %w", dev.channel, err)
		}

		r.clients = append(r.clients, client)
	}

	return nil
}

// RemoveDevice destroys every client bound to the device and forgets the
// device. Any active client is torn down by its owning driver, which is
// expected to disable it.
func (r *Registry) RemoveDevice(dev *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients = slices.DeleteFunc(r.clients, func(c *Client) bool {
		if c.dev == dev {
			c.drv.RemoveDevice(c)
			return true
		}

		return false
	})

	r.devices = slices.DeleteFunc(r.devices, func(d *Device) bool {
		return d == dev
	})
}

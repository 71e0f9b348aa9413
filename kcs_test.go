package kcs_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/amboar/kcs"
	"golang.org/x/sys/unix"
)

// stubIO is a trivial register file with no handshake behavior.
type stubIO struct {
	mu     sync.Mutex
	idr    uint8
	odr    uint8
	str    uint8
	events uint8
}

func (s *stubIO) ReadInput() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idr
}

func (s *stubIO) WriteOutput(v uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.odr = v
}

func (s *stubIO) ReadStatus() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.str
}

func (s *stubIO) WriteStatus(v uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.str = v
}

func (s *stubIO) UpdateStatus(mask, v uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.str = s.str&^mask | v&mask
}

func (s *stubIO) SetEventMask(mask, events uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = s.events&^mask | events&mask
}

func (s *stubIO) eventMask() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events
}

// countingHandler records how many events it saw.
type countingHandler struct {
	events int
}

func (h *countingHandler) HandleEvent(c *kcs.Client) bool {
	h.events++
	return true
}

func TestEnableDisable(t *testing.T) {
	io := new(stubIO)
	dev := kcs.NewDevice(1, io)

	h1 := new(countingHandler)
	h2 := new(countingHandler)
	c1 := kcs.NewClient(h1, nil, dev)
	c2 := kcs.NewClient(h2, nil, dev)

	t.Run("no active client", func(t *testing.T) {
		if dev.HandleEvent() {
			t.Error("event handled with no active client")
		}
	})

	t.Run("enable unmasks IBF", func(t *testing.T) {
		if err := c1.Enable(); err != nil {
			t.Fatal(err)
		}

		if io.eventMask() != kcs.EventIBF {
			t.Errorf("event mask %#02x != %#02x", io.eventMask(), kcs.EventIBF)
		}
	})

	t.Run("second enable is busy", func(t *testing.T) {
		if err := c2.Enable(); !errors.Is(err, unix.EBUSY) {
			t.Errorf("err %v != EBUSY", err)
		}
	})

	t.Run("dispatch reaches the active client", func(t *testing.T) {
		if !dev.HandleEvent() {
			t.Error("event not handled")
		}

		if h1.events != 1 || h2.events != 0 {
			t.Errorf("events %d/%d != 1/0", h1.events, h2.events)
		}
	})

	t.Run("disabling an inactive client is a no-op", func(t *testing.T) {
		c2.Disable()
		c2.Disable()

		if !dev.HandleEvent() {
			t.Error("event not handled after inactive disable")
		}

		if h1.events != 2 {
			t.Errorf("events %d != 2", h1.events)
		}
	})

	t.Run("disable masks events and clears the slot", func(t *testing.T) {
		c1.Disable()

		if io.eventMask() != 0 {
			t.Errorf("event mask %#02x != 0", io.eventMask())
		}

		if dev.HandleEvent() {
			t.Error("event handled after disable")
		}
	})

	t.Run("disable is idempotent", func(t *testing.T) {
		c1.Disable()
		c1.Disable()
	})

	t.Run("slot is free after disable", func(t *testing.T) {
		if err := c2.Enable(); err != nil {
			t.Fatal(err)
		}

		defer c2.Disable()

		if !dev.HandleEvent() {
			t.Error("event not handled")
		}

		if h2.events != 1 {
			t.Errorf("events %d != 1", h2.events)
		}
	})
}

func TestClientAccessors(t *testing.T) {
	io := new(stubIO)
	dev := kcs.NewDevice(2, io)
	c := kcs.NewClient(new(countingHandler), nil, dev)

	if err := c.Enable(); err != nil {
		t.Fatal(err)
	}

	defer c.Disable()

	io.idr = 0x42
	if v := c.ReadData(); v != 0x42 {
		t.Errorf("read data %#02x != 0x42", v)
	}

	c.WriteData(0x17)
	if io.odr != 0x17 {
		t.Errorf("odr %#02x != 0x17", io.odr)
	}

	c.WriteStatus(0b1100_0001)
	if v := c.ReadStatus(); v != 0b1100_0001 {
		t.Errorf("status %#08b != 0b11000001", v)
	}

	c.UpdateStatus(kcs.StatusStateMask, kcs.StatusState(kcs.StateRead))
	if v := c.ReadStatus(); v != 0b0100_0001 {
		t.Errorf("status %#08b != 0b01000001", v)
	}
}

func TestPhaseStrings(t *testing.T) {
	if s := kcs.PhaseWaitRead.String(); s != "wait-read" {
		t.Errorf("%q != wait-read", s)
	}

	if s := kcs.Phase(42).String(); s != "Phase(42)" {
		t.Errorf("%q != Phase(42)", s)
	}

	if s := kcs.LengthError.String(); s != "length error" {
		t.Errorf("%q != length error", s)
	}
}

// Package sim provides an in-memory KCS channel for tests and tools. It
// implements the kcs.RegisterIO interface on the BMC side and exposes the
// host side of the IDR/ODR/STR handshake, standing in for memory-mapped
// device glue.
//
// Host writes dispatch events to the channel's device synchronously,
// respecting the event mask, so a whole exchange can be driven from a
// single goroutine.
package sim

import (
	"fmt"
	"sync"

	"github.com/amboar/kcs"
)

// Channel is one simulated KCS channel: a 3-register file shared between
// a simulated host and the BMC-side kcs.Device built around it.
type Channel struct {
	dev *kcs.Device

	mu     sync.Mutex
	idr    uint8
	odr    uint8
	str    uint8
	events uint8
}

// NewChannel builds a simulated channel and its device.
func NewChannel(channel int) *Channel {
	ch := new(Channel)
	ch.dev = kcs.NewDevice(channel, ch)
	return ch
}

// Device returns the kcs.Device backed by the channel.
func (ch *Channel) Device() *kcs.Device {
	return ch.dev
}

// BMC-side register access (kcs.RegisterIO).

func (ch *Channel) ReadInput() uint8 {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.str &^= kcs.StatusIBF
	return ch.idr
}

func (ch *Channel) WriteOutput(v uint8) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.odr = v
	ch.str |= kcs.StatusOBF
}

func (ch *Channel) ReadStatus() uint8 {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.str
}

func (ch *Channel) WriteStatus(v uint8) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.str = v
}

func (ch *Channel) UpdateStatus(mask, v uint8) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.str = ch.str&^mask | v&mask
}

func (ch *Channel) SetEventMask(mask, events uint8) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.events = ch.events&^mask | events&mask
}

// Host-side register access.

// HostStatus reads STR as the host sees it.
func (ch *Channel) HostStatus() uint8 {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.str
}

// HostState extracts the 2-bit interface state from STR.
func (ch *Channel) HostState() kcs.State {
	return kcs.State(ch.HostStatus() >> 6 & 0b11)
}

// HostWriteCommand writes a control code to IDR, raising IBF and CMD_DAT,
// and dispatches the event if the IBF source is unmasked.
func (ch *Channel) HostWriteCommand(code uint8) {
	ch.hostWrite(code, true)
}

// HostWriteData writes a data byte to IDR, raising IBF with CMD_DAT
// clear, and dispatches the event if the IBF source is unmasked.
func (ch *Channel) HostWriteData(v uint8) {
	ch.hostWrite(v, false)
}

func (ch *Channel) hostWrite(v uint8, cmd bool) {
	ch.mu.Lock()
	ch.idr = v
	ch.str |= kcs.StatusIBF
	if cmd {
		ch.str |= kcs.StatusCmdDat
	} else {
		ch.str &^= kcs.StatusCmdDat
	}

	deliver := ch.events&kcs.EventIBF != 0
	ch.mu.Unlock()

	// Dispatch outside the register lock: the handler reads and writes
	// the registers while it runs.
	if deliver {
		ch.dev.HandleEvent()
	}
}

// HostRead reads ODR, releasing OBF. It reports whether OBF was set.
func (ch *Channel) HostRead() (uint8, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	full := ch.str&kcs.StatusOBF != 0
	ch.str &^= kcs.StatusOBF
	return ch.odr, full
}

// Host-side protocol helpers. These run the host's half of a KCS message
// exchange, one synchronous handshake step at a time.

// HostWriteMessage performs a whole write transfer: WRITE_START, the
// message bytes, and WRITE_END before the final byte. The dummy byte the
// BMC answers each handshake step with is read and discarded, as a real
// host does. The message must not be empty.
func (ch *Channel) HostWriteMessage(msg []byte) error {
	if len(msg) == 0 {
		return fmt.Errorf("sim: empty message")
	}

	ch.HostWriteCommand(kcs.CmdWriteStart)
	if err := ch.hostFinishStep(); err != nil {
		return err
	}

	for _, b := range msg[:len(msg)-1] {
		ch.HostWriteData(b)
		if err := ch.hostFinishStep(); err != nil {
			return err
		}
	}

	ch.HostWriteCommand(kcs.CmdWriteEnd)
	if err := ch.hostFinishStep(); err != nil {
		return err
	}

	// The BMC consumes the final byte without a dummy answer; the next
	// ODR write is the first byte of its staged response.
	ch.HostWriteData(msg[len(msg)-1])
	return ch.hostExpectConsumed()
}

// HostReadMessage performs a whole read transfer, draining the BMC's
// staged response one READ_BYTE handshake at a time until the interface
// returns to the idle state. It returns the bytes read, not including
// the final dummy byte.
func (ch *Channel) HostReadMessage() ([]byte, error) {
	var msg []byte
	for {
		switch state := ch.HostState(); state {
		case kcs.StateRead:
			b, full := ch.HostRead()
			if !full {
				return msg, fmt.Errorf("sim: read state but OBF is clear")
			}

			msg = append(msg, b)
			ch.HostWriteData(kcs.CmdReadByte)

		case kcs.StateIdle:
			if _, full := ch.HostRead(); !full {
				return msg, fmt.Errorf("sim: idle state but no dummy byte")
			}

			return msg, nil

		default:
			return msg, fmt.Errorf("sim: unexpected interface state %d during read", state)
		}
	}
}

// HostAbort runs the Get-Status/Abort sequence and returns the status
// code reported by the BMC.
func (ch *Channel) HostAbort() (kcs.StatusError, error) {
	ch.HostWriteCommand(kcs.CmdGetStatusAbort)
	if err := ch.hostFinishStep(); err != nil {
		return 0, err
	}

	ch.HostWriteData(kcs.ZeroData)
	code, full := ch.HostRead()
	if !full {
		return 0, fmt.Errorf("sim: no status code after abort request")
	}

	ch.HostWriteData(kcs.ZeroData)
	if _, full := ch.HostRead(); !full {
		return 0, fmt.Errorf("sim: no dummy byte after abort status")
	}

	return kcs.StatusError(code), nil
}

// hostFinishStep checks that the BMC accepted the pending input byte and
// discards the dummy byte it answered with.
func (ch *Channel) hostFinishStep() error {
	if err := ch.hostExpectConsumed(); err != nil {
		return err
	}

	if _, full := ch.HostRead(); !full {
		return fmt.Errorf("sim: no dummy byte after handshake step")
	}

	return nil
}

// hostExpectConsumed checks that the BMC accepted the pending input
// byte. Dispatch is synchronous, so IBF still set means no active client
// consumed the event.
func (ch *Channel) hostExpectConsumed() error {
	if ch.HostStatus()&kcs.StatusIBF != 0 {
		return fmt.Errorf("sim: input byte not consumed (no active client?)")
	}

	return nil
}

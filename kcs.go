// Package kcs implements the BMC side of the IPMI Keyboard Controller
// Style (KCS) transport.
//
// The package is split into three abstractions:
//
//   - Device represents one physical KCS channel: a 3-register interface
//     (IDR, ODR, STR) shared with host firmware.
//   - Driver is an implementation of a protocol run over a KCS channel.
//   - Client associates a Driver instance with a Device instance. An
//     instance of each protocol implementation is associated with each
//     device, yielding D*P client instances.
//
// A device has at most one active client at a time. A client becomes
// active when its interface is opened in some fashion; enabling a client
// while the device already has an active client fails with unix.EBUSY.
package kcs

import "fmt"

// Status register bits, IPMI 2.0 table 9-1.
const (
	StatusOBF    = 1 << 0 // output buffer full: ODR holds a byte for the host
	StatusIBF    = 1 << 1 // input buffer full: IDR holds a byte for the BMC
	StatusSMSAtn = 1 << 2
	StatusCmdDat = 1 << 3 // the pending input byte is a control code

	StatusStateMask = 0b11 << 6
)

// StatusState positions a state value in the STR state field.
func StatusState(s State) uint8 {
	return uint8(s) << 6
}

// State is the 2-bit interface state advertised to the host through the
// status register, IPMI 2.0 table 9-2.
type State uint8

const (
	StateIdle  State = 0
	StateRead  State = 1
	StateWrite State = 2
	StateError State = 3
)

// Control codes written by the host with CMD_DAT set, IPMI 2.0 table 9-3.
const (
	CmdGetStatusAbort = 0x60
	CmdWriteStart     = 0x61
	CmdWriteEnd       = 0x62
	CmdReadByte       = 0x68
)

// ZeroData is the dummy byte written to ODR when the BMC has nothing to say.
const ZeroData = 0x00

// StatusError is a KCS interface status code reported to the host during
// the abort sequence, IPMI 2.0 table 9-4.
type StatusError uint8

const (
	NoError            StatusError = 0x00
	AbortedByCommand   StatusError = 0x01
	IllegalControlCode StatusError = 0x02
	LengthError        StatusError = 0x06
	UnspecifiedError   StatusError = 0xff
)

// Event sources that a client may unmask on its device. The register
// backend delivers an event to Device.HandleEvent when an unmasked
// source fires.
const (
	EventOBE = 1 << 0 // output buffer empty
	EventIBF = 1 << 1 // input buffer full
)

// Phase tracks a message exchange from the BMC's point of view.
type Phase int

const (
	// PhaseIdle: not expecting nor sending any data.
	PhaseIdle Phase = iota

	// PhaseWriteStart: a WRITE_START control code has arrived.
	PhaseWriteStart

	// PhaseWriteData: receiving data bytes from the host.
	PhaseWriteData

	// PhaseWriteEndCmd: waiting for the last data byte.
	PhaseWriteEndCmd

	// PhaseWriteDone: the whole request has been received.
	PhaseWriteDone

	// PhaseWaitRead: waiting for a response from the upper layer.
	PhaseWaitRead

	// PhaseRead: transferring the response to the host.
	PhaseRead

	// PhaseAbortError1: waiting for the host's error status request.
	PhaseAbortError1

	// PhaseAbortError2: waiting for the host to return the interface to idle.
	PhaseAbortError2

	// PhaseError: a protocol violation was detected at the interface level.
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"

	case PhaseWriteStart:
		return "write-start"

	case PhaseWriteData:
		return "write-data"

	case PhaseWriteEndCmd:
		return "write-end-cmd"

	case PhaseWriteDone:
		return "write-done"

	case PhaseWaitRead:
		return "wait-read"

	case PhaseRead:
		return "read"

	case PhaseAbortError1:
		return "abort-error-1"

	case PhaseAbortError2:
		return "abort-error-2"

	case PhaseError:
		return "error"

	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

func (e StatusError) String() string {
	switch e {
	case NoError:
		return "no error"

	case AbortedByCommand:
		return "aborted by command"

	case IllegalControlCode:
		return "illegal control code"

	case LengthError:
		return "length error"

	case UnspecifiedError:
		return "unspecified error"

	default:
		return fmt.Sprintf("StatusError(%#02x)", uint8(e))
	}
}

// RegisterIO abstracts access to the IDR/ODR/STR registers of one KCS
// channel. Implementations are provided by device glue (or by kcs/sim for
// tests and tools). All methods must be safe for concurrent use and must
// not block: they are called from the event dispatch path.
type RegisterIO interface {

	// ReadInput reads IDR, releasing IBF.
	ReadInput() uint8

	// WriteOutput writes ODR, raising OBF.
	WriteOutput(v uint8)

	// ReadStatus reads STR.
	ReadStatus() uint8

	// WriteStatus writes STR.
	WriteStatus(v uint8)

	// UpdateStatus writes the STR bits selected by mask to v.
	UpdateStatus(mask, v uint8)

	// SetEventMask enables the event sources selected by mask that are
	// set in events, and disables those that are clear.
	SetEventMask(mask, events uint8)
}

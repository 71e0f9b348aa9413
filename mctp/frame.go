// Package mctp implements the DSP0254 MCTP-over-KCS transport binding:
// the per-exchange byte state machine run as a KCS client, and the
// framing that wraps MCTP packets for the wire.
package mctp

import (
	"errors"
	"fmt"

	"github.com/amboar/kcs/smbus"
	"golang.org/x/sys/unix"
)

// MTU is the largest payload carried in one frame. DSP0254 fixes the
// link at the MCTP baseline MTU.
const MTU = 64

// DSP0254 table 1: binding header fields.
const (
	netFnLun     = 0xb0
	definingBody = 0x01 // DMTF pre-OS working group

	headerLen  = 3 // netfn/lun, defining body, payload length
	trailerLen = 1 // PEC over the payload
)

var (
	// ErrTruncated: the buffer is shorter than the binding envelope.
	ErrTruncated = errors.New("mctp: frame shorter than binding envelope")

	// ErrHeaderTag: a fixed header tag field has the wrong value.
	ErrHeaderTag = errors.New("mctp: bad binding header tag")

	// ErrHeaderLength: the header length disagrees with the buffer.
	ErrHeaderLength = errors.New("mctp: bad binding header length")

	// ErrChecksum: the PEC trailer does not match the payload.
	ErrChecksum = errors.New("mctp: PEC mismatch")
)

// Frame wraps payload in the DSP0254 binding envelope: a 3-byte header,
// the payload, and a PEC trailer computed over the payload alone.
// Payloads larger than the MTU are rejected with unix.EMSGSIZE.
func Frame(payload []byte) ([]byte, error) {
	if len(payload) > MTU {
		return nil, unix.EMSGSIZE
	}

	frame := make([]byte, 0, headerLen+len(payload)+trailerLen)
	frame = append(frame, netFnLun, definingBody, uint8(len(payload)))
	frame = append(frame, payload...)
	frame = append(frame, smbus.PEC(0, payload))

	return frame, nil
}

// Validate checks the binding envelope around buf and returns the
// payload. The returned slice aliases buf.
func Validate(buf []byte) ([]byte, error) {
	if len(buf) < headerLen+trailerLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(buf))
	}

	if buf[0] != netFnLun {
		return nil, fmt.Errorf("%w: netfn/lun %#02x != %#02x", ErrHeaderTag, buf[0], netFnLun)
	}

	if buf[1] != definingBody {
		return nil, fmt.Errorf("%w: defining body %#02x != %#02x", ErrHeaderTag, buf[1], definingBody)
	}

	if int(buf[2]) != len(buf)-headerLen-trailerLen {
		return nil, fmt.Errorf("%w: header %d, buffer holds %d",
			ErrHeaderLength, buf[2], len(buf)-headerLen-trailerLen)
	}

	payload := buf[headerLen : len(buf)-trailerLen]
	if pec := smbus.PEC(0, payload); pec != buf[len(buf)-1] {
		return nil, fmt.Errorf("%w: frame %#02x, calculated %#02x",
			ErrChecksum, buf[len(buf)-1], pec)
	}

	return payload, nil
}

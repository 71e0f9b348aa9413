package mctp

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/amboar/kcs"
	"golang.org/x/sys/unix"
)

// msgBufSize bounds the byte state machine's message buffers. It is
// deliberately larger than the MTU: oversized inbound messages are
// rejected by frame validation, not by the state machine, so a confused
// host is answered with a clean abort instead of a mid-message stall.
const msgBufSize = 1000

// Stats counts per-binding traffic and errors. All errors are recovered
// locally; these counters are the only way they surface.
type Stats struct {
	RxPackets uint64
	RxBytes   uint64
	TxPackets uint64
	TxBytes   uint64

	RxDropped      uint64
	TxDropped      uint64
	RxLengthErrors uint64
	RxCRCErrors    uint64
}

// Binding runs one DSP0254 exchange state machine over a KCS client. It
// is created by Driver.AddDevice; at most one binding exists per
// device/driver pairing.
type Binding struct {
	client  *kcs.Client
	handler Handler
	log     *slog.Logger

	// mu protects the rx and tx exchange state. Critical sections are
	// boundedly short: no allocation, no blocking, register pokes only.
	mu         sync.Mutex
	phase      kcs.Phase
	code       kcs.StatusError
	dataIn     [msgBufSize]byte
	dataInIdx  int
	dataOut    [msgBufSize]byte
	dataOutIdx int
	dataOutLen int
	stats      Stats

	// rxC coalesces frame-complete notifications to the receive worker.
	rxC   chan struct{}
	doneC chan struct{}
}

// Channel returns the KCS channel number the binding is bound to.
func (b *Binding) Channel() int {
	return b.client.Device().Channel()
}

// Phase returns the current exchange phase. A send is accepted only in
// kcs.PhaseWaitRead.
func (b *Binding) Phase() kcs.Phase {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.phase
}

// Stats returns a snapshot of the binding's counters.
func (b *Binding) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.stats
}

// Open makes the binding the active client on its device and unmasks
// input events. It fails with unix.EBUSY if another client is active.
func (b *Binding) Open() error {
	b.log.Info("mctp: open MCTP over KCS channel", "channel", b.Channel())
	return b.client.Enable()
}

// Close cancels any in-flight exchange and releases the device: the
// phase returns to idle, buffer cursors are cleared, the interface state
// is advertised as idle, and the client is disabled. Closing an already
// closed binding is a no-op.
func (b *Binding) Close() {
	b.log.Info("mctp: stop MCTP over KCS channel", "channel", b.Channel())

	b.mu.Lock()
	b.dataInIdx = 0
	b.dataOutIdx = 0
	b.dataOutLen = 0
	b.phase = kcs.PhaseIdle
	b.setState(kcs.StateIdle)
	b.mu.Unlock()

	b.client.Disable()
}

// Send frames payload and stages it for transmission. The transfer is
// drained by the host one byte per read handshake. Send fails with
// unix.EMSGSIZE if the payload exceeds the MTU and with unix.EBUSY if
// the binding is not ready to transmit (no request has completed, or a
// previous response is still draining); the caller is expected to back
// off and requeue.
func (b *Binding) Send(payload []byte) error {
	frame, err := Frame(payload)
	if err != nil {
		b.mu.Lock()
		b.stats.TxDropped++
		b.mu.Unlock()
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.phase != kcs.PhaseWaitRead {
		return unix.EBUSY
	}

	b.phase = kcs.PhaseRead
	b.dataOutLen = copy(b.dataOut[:], frame)
	b.dataOutIdx = 1

	// Write the first byte to prime the transfer: the host is already
	// polling for OBF.
	b.client.WriteData(b.dataOut[0])

	return nil
}

// HandleEvent advances the state machine by one interrupt event. It
// implements kcs.EventHandler and is dispatched with the device lock
// held; every transition completes synchronously.
func (b *Binding) HandleEvent(c *kcs.Client) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := c.ReadStatus()
	if status&kcs.StatusIBF == 0 {
		return false
	}

	if status&kcs.StatusCmdDat != 0 {
		b.handleCmd()
	} else {
		b.handleData()
	}

	return true
}

func (b *Binding) setState(s kcs.State) {
	b.client.UpdateStatus(kcs.StatusStateMask, kcs.StatusState(s))
}

// forceAbort recovers from a protocol violation: advertise the error
// state, consume the pending byte so the host is not left waiting, answer
// with a dummy byte, and throw away any partial inbound message. The
// host is expected to follow up with Get-Status/Abort.
func (b *Binding) forceAbort() {
	b.log.Error("mctp: force abort on KCS communication",
		"channel", b.Channel(), "phase", b.phase)

	b.setState(kcs.StateError)
	b.client.ReadData()
	b.client.WriteData(kcs.ZeroData)
	b.phase = kcs.PhaseError
	b.dataInIdx = 0
}

// handleCmd processes an input byte flagged as a control code.
func (b *Binding) handleCmd() {
	b.setState(kcs.StateWrite)
	b.client.WriteData(kcs.ZeroData)

	switch b.client.ReadData() {
	case kcs.CmdWriteStart:
		b.phase = kcs.PhaseWriteStart
		b.code = kcs.NoError
		b.dataInIdx = 0

	case kcs.CmdWriteEnd:
		if b.phase != kcs.PhaseWriteData {
			b.forceAbort()
			break
		}

		b.phase = kcs.PhaseWriteEndCmd

	case kcs.CmdGetStatusAbort:
		if b.code == kcs.NoError {
			b.code = kcs.AbortedByCommand
		}

		b.phase = kcs.PhaseAbortError1
		b.dataInIdx = 0

	default:
		b.forceAbort()
		b.code = kcs.IllegalControlCode
	}
}

// handleData processes an input byte flagged as data.
func (b *Binding) handleData() {
	switch b.phase {
	case kcs.PhaseWriteStart:
		b.phase = kcs.PhaseWriteData
		fallthrough

	case kcs.PhaseWriteData:
		if b.dataInIdx < msgBufSize {
			b.setState(kcs.StateWrite)
			b.client.WriteData(kcs.ZeroData)
			b.dataIn[b.dataInIdx] = b.client.ReadData()
			b.dataInIdx++
		} else {
			b.forceAbort()
			b.code = kcs.LengthError
		}

	case kcs.PhaseWriteEndCmd:
		if b.dataInIdx < msgBufSize {
			b.setState(kcs.StateRead)
			b.dataIn[b.dataInIdx] = b.client.ReadData()
			b.dataInIdx++
			b.phase = kcs.PhaseWriteDone

			// Hand the completed message to the receive worker; frame
			// validation and delivery are too costly for the event path.
			select {
			case b.rxC <- struct{}{}:
			default:
			}
		} else {
			b.forceAbort()
			b.code = kcs.LengthError
		}

	case kcs.PhaseRead:
		if b.dataOutIdx == b.dataOutLen {
			b.setState(kcs.StateIdle)
		}

		if data := b.client.ReadData(); data != kcs.CmdReadByte {
			b.setState(kcs.StateError)
			b.client.WriteData(kcs.ZeroData)
			break
		}

		if b.dataOutIdx == b.dataOutLen {
			b.client.WriteData(kcs.ZeroData)
			b.stats.TxBytes += uint64(b.dataOutLen)
			b.stats.TxPackets++
			b.phase = kcs.PhaseIdle
			break
		}

		b.client.WriteData(b.dataOut[b.dataOutIdx])
		b.dataOutIdx++

	case kcs.PhaseAbortError1:
		b.setState(kcs.StateRead)
		b.client.ReadData()
		b.client.WriteData(uint8(b.code))
		b.phase = kcs.PhaseAbortError2

	case kcs.PhaseAbortError2:
		b.setState(kcs.StateIdle)
		b.client.ReadData()
		b.client.WriteData(kcs.ZeroData)
		b.phase = kcs.PhaseIdle

	default:
		b.forceAbort()
	}
}

// rxWorker validates and delivers completed messages off the event path.
func (b *Binding) rxWorker() {
	for {
		select {
		case <-b.doneC:
			return

		case <-b.rxC:
			if payload := b.rxWork(); payload != nil {
				b.handler.ReceivePacket(b, payload)
			}
		}
	}
}

// rxWork validates the inbound message and resets the receive state for
// the next exchange. It returns the payload to deliver, or nil. Delivery
// itself happens outside the lock so the handler may immediately call
// Send.
func (b *Binding) rxWork() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	defer func() {
		b.phase = kcs.PhaseWaitRead
		b.dataInIdx = 0
	}()

	if b.phase != kcs.PhaseWriteDone {
		b.log.Error("mctp: wrong KCS phase at the end of data read",
			"channel", b.Channel(), "phase", b.phase)
		b.stats.RxDropped++
		return nil
	}

	payload, err := Validate(b.dataIn[:b.dataInIdx])
	if err != nil {
		b.log.Error("mctp: binding validation failed",
			"channel", b.Channel(), "err", err)

		switch {
		case errors.Is(err, ErrTruncated), errors.Is(err, ErrHeaderLength):
			b.stats.RxLengthErrors++

		case errors.Is(err, ErrChecksum):
			b.stats.RxCRCErrors++

		default:
			b.stats.RxDropped++
		}

		return nil
	}

	b.stats.RxPackets++
	b.stats.RxBytes += uint64(len(payload))

	out := make([]byte, len(payload))
	copy(out, payload)
	return out
}

// Command mctp-bridge serves a loopback MCTP-over-KCS endpoint over a
// stream socket. Each connection speaks a trivial wire protocol: a
// one-byte payload length followed by the payload. The payload is framed
// and driven through the host side of a simulated KCS channel, the
// endpoint echoes it back through the binding, and the drained response
// payload is returned on the connection.
//
// The listener is either "tcp:host:port" or "vsock:port".
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amboar/kcs"
	"github.com/amboar/kcs/mctp"
	"github.com/amboar/kcs/sim"
	"github.com/mdlayher/vsock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

func main() {
	listenAddr := flag.String("listen", "tcp:localhost:9555",
		`listener as "tcp:host:port" or "vsock:port"`)
	channel := flag.Int("channel", 3, "KCS channel number")
	flag.Parse()

	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, nil)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	log := slog.New(handler)

	if err := run(log, *listenAddr, *channel); err != nil {
		log.Error("mctp-bridge failed", "err", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, listenAddr string, channel int) error {
	ch := sim.NewChannel(channel)

	reg := kcs.NewRegistry(log)
	if err := reg.AddDevice(ch.Device()); err != nil {
		return err
	}

	drv := &mctp.Driver{Handler: echoHandler{log}, Log: log}
	reg.RegisterDriver(drv)
	defer reg.UnregisterDriver(drv)

	b := drv.Binding(channel)
	if b == nil {
		return fmt.Errorf("no binding for channel %d", channel)
	}

	if err := b.Open(); err != nil {
		return err
	}

	ln, err := listen(listenAddr)
	if err != nil {
		return err
	}
	defer ln.Close()

	log.Info("mctp-bridge listening", "addr", ln.Addr(), "channel", channel)

	br := &bridge{ch: ch, log: log}

	var g errgroup.Group
	for {
		conn, err := ln.Accept()
		if err != nil {
			g.Wait()
			return err
		}

		g.Go(func() error {
			if err := br.serve(conn); err != nil {
				log.Error("bridge: connection failed", "err", err)
			}

			return nil
		})
	}
}

func listen(target string) (net.Listener, error) {
	proto, addr, ok := strings.Cut(target, ":")
	if !ok {
		return nil, fmt.Errorf("malformed listener %q", target)
	}

	switch proto {
	case "tcp":
		return net.Listen("tcp", addr)

	case "vsock":
		port, err := strconv.ParseUint(addr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed vsock port %q: %w", addr, err)
		}

		return vsock.Listen(uint32(port), nil)
	}

	return nil, fmt.Errorf("unsupported listener %q", target)
}

// echoHandler is the endpoint application: every received payload is
// staged straight back as the response.
type echoHandler struct {
	log *slog.Logger
}

func (h echoHandler) ReceivePacket(b *mctp.Binding, payload []byte) {
	if err := b.Send(payload); err != nil {
		h.log.Error("bridge: send failed", "channel", b.Channel(), "err", err)
	}
}

// bridge drives the host side of the channel on behalf of connections.
// Exchanges are serialised: the channel carries one message at a time.
type bridge struct {
	ch  *sim.Channel
	log *slog.Logger

	mu sync.Mutex
}

func (br *bridge) serve(conn net.Conn) error {
	defer conn.Close()

	var hdr [1]byte
	for {
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		payload := make([]byte, hdr[0])
		if _, err := io.ReadFull(conn, payload); err != nil {
			return err
		}

		resp, err := br.exchange(payload)
		if err != nil {
			return err
		}

		out := append([]byte{uint8(len(resp))}, resp...)
		if _, err := conn.Write(out); err != nil {
			return err
		}
	}
}

// exchange runs one request/response transfer through the channel and
// returns the validated response payload.
func (br *bridge) exchange(payload []byte) ([]byte, error) {
	br.mu.Lock()
	defer br.mu.Unlock()

	frame, err := mctp.Frame(payload)
	if err != nil {
		return nil, err
	}

	if err := br.ch.HostWriteMessage(frame); err != nil {
		return nil, err
	}

	// The response is staged off the event path; poll for the first byte.
	deadline := time.Now().Add(time.Second)
	for br.ch.HostStatus()&kcs.StatusOBF == 0 || br.ch.HostState() != kcs.StateRead {
		if time.Now().After(deadline) {
			return nil, unix.ETIMEDOUT
		}

		time.Sleep(time.Millisecond)
	}

	resp, err := br.ch.HostReadMessage()
	if err != nil {
		return nil, err
	}

	return mctp.Validate(resp)
}

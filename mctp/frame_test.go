package mctp_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/amboar/kcs/mctp"
	"github.com/amboar/kcs/smbus"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func TestFrameRoundTrip(t *testing.T) {
	for n := 0; n <= mctp.MTU; n++ {
		t.Run(fmt.Sprintf("payload len %d", n), func(t *testing.T) {
			payload := make([]byte, n)
			for i := range payload {
				payload[i] = uint8(i*3 + 1)
			}

			frame, err := mctp.Frame(payload)
			if err != nil {
				t.Fatal(err)
			}

			if len(frame) != 3+n+1 {
				t.Fatalf("frame len %d != %d", len(frame), 3+n+1)
			}

			got, err := mctp.Validate(frame)
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(payload, got); diff != "" {
				t.Errorf("payload mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFrameTooBig(t *testing.T) {
	if _, err := mctp.Frame(make([]byte, mctp.MTU+1)); !errors.Is(err, unix.EMSGSIZE) {
		t.Errorf("err %v != EMSGSIZE", err)
	}
}

func TestFrameWire(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	frame, err := mctp.Frame(payload)
	if err != nil {
		t.Fatal(err)
	}

	want := []byte{0xb0, 0x01, 0x03, 0x01, 0x02, 0x03, smbus.PEC(0, payload)}
	if diff := cmp.Diff(want, frame); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	good := func() []byte {
		frame, err := mctp.Frame([]byte{0xaa, 0xbb})
		if err != nil {
			t.Fatal(err)
		}

		return frame
	}

	t.Run("truncated", func(t *testing.T) {
		if _, err := mctp.Validate([]byte{0xb0, 0x01, 0x00}); !errors.Is(err, mctp.ErrTruncated) {
			t.Errorf("err %v != ErrTruncated", err)
		}
	})

	t.Run("bad netfn/lun", func(t *testing.T) {
		frame := good()
		frame[0] = 0x00
		if _, err := mctp.Validate(frame); !errors.Is(err, mctp.ErrHeaderTag) {
			t.Errorf("err %v != ErrHeaderTag", err)
		}
	})

	t.Run("bad defining body", func(t *testing.T) {
		frame := good()
		frame[1] = 0x02
		if _, err := mctp.Validate(frame); !errors.Is(err, mctp.ErrHeaderTag) {
			t.Errorf("err %v != ErrHeaderTag", err)
		}
	})

	t.Run("bad header length", func(t *testing.T) {
		frame := good()
		frame[2]++
		if _, err := mctp.Validate(frame); !errors.Is(err, mctp.ErrHeaderLength) {
			t.Errorf("err %v != ErrHeaderLength", err)
		}
	})

	t.Run("bad checksum", func(t *testing.T) {
		frame := good()
		frame[len(frame)-1] ^= 0xff
		if _, err := mctp.Validate(frame); !errors.Is(err, mctp.ErrChecksum) {
			t.Errorf("err %v != ErrChecksum", err)
		}
	})
}

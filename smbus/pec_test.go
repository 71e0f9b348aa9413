package smbus_test

import (
	"testing"

	"github.com/amboar/kcs/smbus"
)

// reference computes the same CRC through a generated lookup table.
func reference(data []byte) uint8 {
	var table [256]uint8
	for i := range table {
		crc := uint8(i)
		for b := 0; b < 8; b++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x07
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}

	var crc uint8
	for _, b := range data {
		crc = table[crc^b]
	}

	return crc
}

func TestPEC(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		if pec := smbus.PEC(0, nil); pec != 0 {
			t.Errorf("pec %#02x != 0", pec)
		}
	})

	t.Run("known values", func(t *testing.T) {
		cases := []struct {
			data []byte
			want uint8
		}{
			{[]byte{0x00}, 0x00},
			{[]byte{0x01}, 0x07},
			{[]byte{0x02}, 0x0e},
			{[]byte{0xff}, 0xf3},
		}

		for _, c := range cases {
			if pec := smbus.PEC(0, c.data); pec != c.want {
				t.Errorf("PEC(0, %#02x) = %#02x, want %#02x", c.data, pec, c.want)
			}
		}
	})

	t.Run("matches table-driven reference", func(t *testing.T) {
		data := make([]byte, 0, 256)
		for i := 0; i < 256; i++ {
			data = append(data, uint8(i*7+3))
			if pec, want := smbus.PEC(0, data), reference(data); pec != want {
				t.Fatalf("len %d: pec %#02x != %#02x", len(data), pec, want)
			}
		}
	})

	t.Run("incremental", func(t *testing.T) {
		data := []byte{0xb0, 0x01, 0x02, 0xaa, 0xbb}
		whole := smbus.PEC(0, data)
		split := smbus.PEC(smbus.PEC(0, data[:2]), data[2:])
		if whole != split {
			t.Errorf("whole %#02x != split %#02x", whole, split)
		}
	})
}

// Package smbus provides the SMBus Packet Error Code checksum used by
// MCTP physical bindings.
package smbus

// PEC extends crc with the CRC-8 of data using the SMBus polynomial
// x^8 + x^2 + x + 1 (0x07), most-significant bit first, no final xor.
// The PEC of a whole message is PEC(0, msg).
func PEC(crc uint8, data []byte) uint8 {
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x07
			} else {
				crc <<= 1
			}
		}
	}

	return crc
}

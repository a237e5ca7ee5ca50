// Package pi30 implements the PI30 serial protocol spoken by EASUN/Voltronic
// style inverters: request framing, response de-framing and QPIGS decoding.
package pi30

import (
	"encoding/binary"

	"github.com/sigurn/crc16"
)

// CRC-16/XMODEM: poly 0x1021, init 0, MSB first, no final XOR.
// The inverter firmware rejects anything else without replying.
var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// Checksum returns the big-endian CRC of payload as it appears on the wire
func Checksum(payload []byte) [2]byte {
	var out [2]byte
	binary.BigEndian.PutUint16(out[:], crc16.Checksum(payload, crcTable))
	return out
}

package pi30

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// referenceCRC is the bit-by-bit XMODEM loop the inverter firmware runs
func referenceCRC(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func TestChecksum_KnownVectors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    [2]byte
	}{
		{"xmodem check string", "123456789", [2]byte{0x31, 0xC3}},
		{"QPIGS", "QPIGS", [2]byte{0xB7, 0xA9}},
		{"empty", "", [2]byte{0x00, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Checksum([]byte(tt.payload)))
		})
	}
}

func TestChecksum_MatchesBitwiseReference(t *testing.T) {
	payloads := []string{
		"QPIGS", "QMOD", "QPIRI", "QPIWS", "(NAK",
		"(000.0 00.0 229.9 50.0 0229 0153 004 400 54.40 016 072 0045 0016 248.2 00.00 00000 00010",
	}
	for _, p := range payloads {
		ref := referenceCRC([]byte(p))
		got := Checksum([]byte(p))
		assert.Equal(t, [2]byte{byte(ref >> 8), byte(ref)}, got, p)
	}
}

func TestChecksum_Deterministic(t *testing.T) {
	data := []byte{0x00, 0xFF, 0x28, 0x0D, 0x7E}
	assert.Equal(t, Checksum(data), Checksum(data))
}

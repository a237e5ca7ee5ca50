package pi30

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePayload = "000.0 00.0 229.9 50.0 0229 0153 004 400 54.40 016 072 0045 0016 248.2 00.00 00000 00010"

// deviceFrame builds a response the way the inverter does: ( payload crc CR
func deviceFrame(payload string) []byte {
	body := append([]byte{ResponseStart}, payload...)
	crc := Checksum(body)
	return append(append(body, crc[:]...), Terminator)
}

func TestBuildRequest_QPIGS(t *testing.T) {
	assert.Equal(t, []byte{'Q', 'P', 'I', 'G', 'S', 0xB7, 0xA9, '\r'}, BuildRequest(CommandQPIGS))
}

func TestBuildRequest_RoundTrip(t *testing.T) {
	// A device echoing the marker-framed command strips back to the command
	req := BuildRequest(CommandQPIGS)
	echo := append([]byte{ResponseStart}, req...)

	payload, err := ParseResponse(echo, false)
	require.NoError(t, err)
	assert.Equal(t, CommandQPIGS, payload)
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		strict  bool
		want    string
		wantErr error
	}{
		{"well formed", deviceFrame(samplePayload), false, samplePayload, nil},
		{"well formed strict", deviceFrame(samplePayload), true, samplePayload, nil},
		{"empty", nil, false, "", ErrEmptyResponse},
		{"no terminator", []byte("(230.0 50.0"), false, "", ErrUnterminated},
		{"too short", []byte("(x\r"), false, "", ErrShortFrame},
		{"nak", deviceFrame("NAK"), false, "", ErrNAK},
		{"unmarked payload", []byte("230.0 50.0\r"), false, "230.0 50.0", nil},
		{
			"bad checksum ignored by default",
			append([]byte("(230.0 50.0"), 0x00, 0x00, '\r'),
			false, "230.0 50.0", nil,
		},
		{
			"bad checksum rejected in strict mode",
			append([]byte("(230.0 50.0"), 0x00, 0x00, '\r'),
			true, "", ErrChecksumMismatch,
		},
		{"non ascii noise dropped", []byte{'(', '1', 0xFE, '2', 0x01, 0x02, '\r'}, false, "12", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResponse(tt.raw, tt.strict)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

package pi30

import (
	"bytes"
	"errors"
)

const (
	// Terminator ends every request and response frame
	Terminator byte = '\r'
	// ResponseStart marks the beginning of a response payload
	ResponseStart byte = '('

	// CommandQPIGS queries general device status
	CommandQPIGS = "QPIGS"
)

// Frame errors. A frame failing any of these checks is discarded whole.
var (
	ErrEmptyResponse    = errors.New("pi30: no response from device")
	ErrUnterminated     = errors.New("pi30: response not terminated by CR")
	ErrShortFrame       = errors.New("pi30: response too short to carry a checksum")
	ErrNAK              = errors.New("pi30: device answered NAK")
	ErrChecksumMismatch = errors.New("pi30: response checksum mismatch")
)

// BuildRequest frames an ASCII command as command || crc || CR
func BuildRequest(command string) []byte {
	crc := Checksum([]byte(command))
	frame := make([]byte, 0, len(command)+3)
	frame = append(frame, command...)
	frame = append(frame, crc[:]...)
	return append(frame, Terminator)
}

// ParseResponse strips the framing from a raw device response.
//
// Responses starting with '(' lose that byte plus the trailing checksum and CR.
// The device checksum is treated as a delimiter only, unless strict is set, in
// which case it is recomputed over everything before it and compared.
// Responses without the '(' marker are returned minus their terminator.
func ParseResponse(raw []byte, strict bool) (string, error) {
	if len(raw) == 0 {
		return "", ErrEmptyResponse
	}
	if raw[len(raw)-1] != Terminator {
		return "", ErrUnterminated
	}

	var payload []byte
	if raw[0] == ResponseStart {
		if len(raw) < 4 {
			return "", ErrShortFrame
		}
		body := raw[:len(raw)-3]
		if strict {
			want := Checksum(body)
			if !bytes.Equal(want[:], raw[len(raw)-3:len(raw)-1]) {
				return "", ErrChecksumMismatch
			}
		}
		payload = body[1:]
	} else {
		payload = raw[:len(raw)-1]
	}

	text := asciiOnly(payload)
	if text == "NAK" {
		return "", ErrNAK
	}
	return text, nil
}

// asciiOnly drops bytes outside the 7-bit range, which line noise occasionally produces
func asciiOnly(b []byte) string {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c < 0x80 {
			out = append(out, c)
		}
	}
	return string(out)
}

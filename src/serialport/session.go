// Package serialport owns the serial line to the inverter and performs one
// framed request/response exchange at a time.
package serialport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	"github.com/ryansname/easunbridge/src/pi30"
)

const (
	// BaudRate is fixed by the PI30 protocol
	BaudRate = 2400
	// ReadDeadline bounds how long a request waits for the CR terminator
	ReadDeadline = 3 * time.Second
	// readSlice is how long a single port read blocks before re-checking the deadline
	readSlice = 100 * time.Millisecond
)

// Transport errors
var (
	ErrOpenFailed  = errors.New("serialport: open failed")
	ErrWriteFailed = errors.New("serialport: write failed")
	ErrReadFailed  = errors.New("serialport: read failed")
	ErrClosed      = errors.New("serialport: session closed")
)

// Port is the subset of go.bug.st/serial.Port the session needs
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
}

// Opener opens a port; replaced in tests
type Opener func(path string, mode *serial.Mode) (Port, error)

// Config describes the serial line
type Config struct {
	Path     string
	BaudRate int
	Deadline time.Duration
}

// Session is an open serial line to the inverter
type Session struct {
	port     Port
	path     string
	deadline time.Duration
	now      func() time.Time
	closed   bool
}

// openSerial opens a real serial device
func openSerial(path string, mode *serial.Mode) (Port, error) {
	return serial.Open(path, mode)
}

// Open opens the device 8N1 at the configured baud rate
func Open(cfg Config) (*Session, error) {
	return OpenWith(openSerial, cfg)
}

// OpenWith opens the session through a custom opener
func OpenWith(open Opener, cfg Config) (*Session, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = BaudRate
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = ReadDeadline
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := open(cfg.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpenFailed, cfg.Path, err)
	}

	if err := port.SetReadTimeout(readSlice); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("%w: %s: set read timeout: %v", ErrOpenFailed, cfg.Path, err)
	}

	return &Session{
		port:     port,
		path:     cfg.Path,
		deadline: cfg.Deadline,
		now:      time.Now,
	}, nil
}

// Path returns the device path this session was opened on
func (s *Session) Path() string {
	return s.path
}

// Request sends a framed command and collects the reply.
// Reading stops at the first CR or when the deadline passes, whichever comes
// first. Whatever arrived is returned, possibly nothing; classifying an empty
// or truncated reply is left to the caller.
func (s *Session) Request(command string) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}

	if err := s.port.ResetInputBuffer(); err != nil {
		return nil, fmt.Errorf("%w: reset input: %v", ErrWriteFailed, err)
	}

	frame := pi30.BuildRequest(command)
	if _, err := s.port.Write(frame); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrWriteFailed, command, err)
	}

	var response []byte
	buf := make([]byte, 256)
	start := s.now()

	for s.now().Sub(start) < s.deadline {
		n, err := s.port.Read(buf)
		if n > 0 {
			response = append(response, buf[:n]...)
			if bytes.IndexByte(response, pi30.Terminator) >= 0 {
				break
			}
		}
		if err != nil {
			return response, fmt.Errorf("%w: %s: %v", ErrReadFailed, command, err)
		}
	}

	return response, nil
}

// Close releases the port. Closing twice is a no-op.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.port.Close()
}

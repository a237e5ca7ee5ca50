package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ryansname/easunbridge/src/pi30"
)

// ErrConnectExhausted is returned when the initial connect budget runs out
var ErrConnectExhausted = errors.New("supervisor: could not connect to inverter")

// DeviceSession is one open line to the inverter
type DeviceSession interface {
	Request(command string) ([]byte, error)
	Close() error
}

// ConnectionState is the supervisor's view of the device link
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SupervisorConfig holds the retry budget and pacing of the supervisor
type SupervisorConfig struct {
	ConnectAttempts  int
	RetryDelay       time.Duration
	FailureThreshold int
	ReconnectDelay   time.Duration
	SettleDelay      time.Duration // pause between opening the port and the probe
	ProbeCommand     string
	StrictChecksum   bool
}

// DefaultSupervisorConfig returns the pacing the inverter is known to tolerate
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		ConnectAttempts:  5,
		RetryDelay:       5 * time.Second,
		FailureThreshold: 5,
		ReconnectDelay:   5 * time.Second,
		SettleDelay:      time.Second,
		ProbeCommand:     pi30.CommandQPIGS,
	}
}

// AvailabilityPublisher receives online/offline transitions
type AvailabilityPublisher interface {
	PublishAvailability(state Availability, retained bool)
}

// Supervisor owns the device session and decides when to rebuild it.
// It is driven only from the poll loop, so it holds no locks.
type Supervisor struct {
	cfg     SupervisorConfig
	dial    func() (DeviceSession, error)
	avail   AvailabilityPublisher
	metrics *Metrics
	sleep   func(ctx context.Context, d time.Duration) error

	session  DeviceSession
	state    ConnectionState
	failures int
}

// NewSupervisor creates a supervisor in the Disconnected state
func NewSupervisor(
	cfg SupervisorConfig,
	dial func() (DeviceSession, error),
	avail AvailabilityPublisher,
	metrics *Metrics,
) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		dial:    dial,
		avail:   avail,
		metrics: metrics,
		sleep:   sleepContext,
	}
	s.setState(StateDisconnected)
	return s
}

// State returns the current connection state
func (s *Supervisor) State() ConnectionState {
	return s.state
}

// Failures returns the current run of consecutive failed reads
func (s *Supervisor) Failures() int {
	return s.failures
}

// Connect performs the initial connection with a bounded number of attempts
func (s *Supervisor) Connect(ctx context.Context) error {
	s.setState(StateConnecting)

	for attempt := 1; attempt <= s.cfg.ConnectAttempts; attempt++ {
		log.Printf("Connect attempt %d/%d", attempt, s.cfg.ConnectAttempts)

		err := s.attach(ctx)
		if err == nil {
			s.failures = 0
			s.setState(StateConnected)
			log.Println("Connected to inverter")
			return nil
		}
		log.Warnf("Connect attempt %d failed: %v", attempt, err)

		if attempt < s.cfg.ConnectAttempts {
			log.Printf("Waiting %v before next attempt", s.cfg.RetryDelay)
			if err := s.sleep(ctx, s.cfg.RetryDelay); err != nil {
				break
			}
		}
	}

	s.setState(StateDisconnected)
	return fmt.Errorf("%w after %d attempts", ErrConnectExhausted, s.cfg.ConnectAttempts)
}

// Acquire returns the live session, or nil when polling should skip this tick.
// In the Degraded state every call makes one paced reconnect attempt.
func (s *Supervisor) Acquire(ctx context.Context) DeviceSession {
	switch s.state {
	case StateConnected:
		return s.session
	case StateDegraded:
		if s.reconnect(ctx) {
			return s.session
		}
	}
	return nil
}

// ReportSuccess clears the failure run
func (s *Supervisor) ReportSuccess() {
	s.failures = 0
}

// ReportFailure counts a failed read and degrades the link once the run
// reaches the threshold. Offline is published once per degradation.
func (s *Supervisor) ReportFailure(ctx context.Context) {
	s.failures++
	if s.state != StateConnected || s.failures < s.cfg.FailureThreshold {
		return
	}

	log.Errorf("Too many consecutive failures (%d), restarting connection", s.failures)
	s.setState(StateDegraded)
	s.avail.PublishAvailability(AvailabilityOffline, true)
	s.reconnect(ctx)
}

// Close releases the session and leaves the supervisor Disconnected
func (s *Supervisor) Close() error {
	err := s.closeSession()
	s.setState(StateDisconnected)
	return err
}

// reconnect makes a single paced attempt to leave the Degraded state
func (s *Supervisor) reconnect(ctx context.Context) bool {
	if err := s.sleep(ctx, s.cfg.ReconnectDelay); err != nil {
		return false
	}

	if err := s.attach(ctx); err != nil {
		log.Warnf("Reconnect failed: %v", err)
		s.metrics.ObserveReconnect(false)
		return false
	}

	s.failures = 0
	s.setState(StateConnected)
	s.metrics.ObserveReconnect(true)
	s.avail.PublishAvailability(AvailabilityOnline, true)
	log.Println("Reconnected to inverter")
	return true
}

// attach replaces the current session with a freshly opened and probed one
func (s *Supervisor) attach(ctx context.Context) error {
	_ = s.closeSession()

	session, err := s.dial()
	if err != nil {
		return err
	}

	if err := s.sleep(ctx, s.cfg.SettleDelay); err != nil {
		_ = session.Close()
		return err
	}

	raw, err := session.Request(s.cfg.ProbeCommand)
	if err == nil {
		_, err = pi30.ParseResponse(raw, s.cfg.StrictChecksum)
	}
	// A NAK still proves the inverter is listening
	if err != nil && !errors.Is(err, pi30.ErrNAK) {
		_ = session.Close()
		return fmt.Errorf("probe %s: %w", s.cfg.ProbeCommand, err)
	}

	s.session = session
	return nil
}

func (s *Supervisor) closeSession() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	return err
}

func (s *Supervisor) setState(state ConnectionState) {
	if s.state != state {
		log.Debugf("Connection state %s -> %s", s.state, state)
	}
	s.state = state
	s.metrics.SetState(state)
}

// sleepContext waits for d or until ctx is cancelled
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package main

import (
	"context"
	"errors"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ryansname/easunbridge/src/pi30"
)

var errNoSession = errors.New("poller: no live session")

// PollerConfig holds the poll loop settings
type PollerConfig struct {
	Interval       time.Duration
	Command        string
	StrictChecksum bool
}

// PollUpdate is the outcome of one poll, fanned out to optional observers
type PollUpdate struct {
	Record   *pi30.StatusRecord // nil when the poll failed
	State    ConnectionState
	Failures int
	At       time.Time
}

// Poller drives one device request per tick. There is never more than one
// command in flight; the serial line cannot multiplex.
type Poller struct {
	cfg        PollerConfig
	supervisor *Supervisor
	sink       TelemetrySink
	metrics    *Metrics
	updates    chan<- PollUpdate
}

// NewPoller creates a poller. updates may be nil.
func NewPoller(
	cfg PollerConfig,
	supervisor *Supervisor,
	sink TelemetrySink,
	metrics *Metrics,
	updates chan<- PollUpdate,
) *Poller {
	if cfg.Command == "" {
		cfg.Command = pi30.CommandQPIGS
	}
	return &Poller{
		cfg:        cfg,
		supervisor: supervisor,
		sink:       sink,
		metrics:    metrics,
		updates:    updates,
	}
}

// Run polls immediately and then once per interval until ctx is cancelled
func (p *Poller) Run(ctx context.Context) {
	log.Printf("Poller started (interval %v)", p.cfg.Interval)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		_ = p.PollOnce(ctx)

		select {
		case <-ctx.Done():
			log.Println("Poller stopped")
			return
		case <-ticker.C:
		}
	}
}

// PollOnce performs exactly one poll cycle
func (p *Poller) PollOnce(ctx context.Context) error {
	session := p.supervisor.Acquire(ctx)
	if session == nil {
		p.metrics.ObservePoll(pollNoSession)
		p.notify(nil)
		return errNoSession
	}

	record, err := p.read(session)
	if err != nil {
		p.supervisor.ReportFailure(ctx)
		p.notify(nil)
		return err
	}

	p.publish(record)
	p.supervisor.ReportSuccess()
	p.metrics.ObservePoll(pollOK)
	p.notify(&record)
	return nil
}

// read sends the status query and decodes the reply, logging enough to diagnose protocol mismatches
func (p *Poller) read(session DeviceSession) (pi30.StatusRecord, error) {
	fields := log.Fields{"command": p.cfg.Command}

	raw, err := session.Request(p.cfg.Command)
	if err != nil {
		p.metrics.ObservePoll(pollTransportError)
		log.WithFields(fields).Warnf("Device request failed: %v", err)
		return pi30.StatusRecord{}, err
	}
	fields["raw"] = describeRaw(raw)
	log.WithFields(fields).Debug("Device response")

	payload, err := pi30.ParseResponse(raw, p.cfg.StrictChecksum)
	if err != nil {
		p.metrics.ObservePoll(pollFrameError)
		log.WithFields(fields).Warnf("Bad response frame: %v", err)
		return pi30.StatusRecord{}, err
	}

	record, err := pi30.ParseStatus(payload)
	if err != nil {
		p.metrics.ObservePoll(pollParseError)
		var perr *pi30.ParseError
		if errors.As(err, &perr) && perr.Index >= 0 {
			fields["field_index"] = perr.Index
		}
		log.WithFields(fields).Warnf("Could not parse status: %v", err)
		return pi30.StatusRecord{}, err
	}

	log.WithFields(log.Fields{"candidates": pi30.PVPowerCandidates(record)}).
		Debugf("PV power selected: %d W", record.PVInputPower)
	return record, nil
}

func (p *Poller) publish(record pi30.StatusRecord) {
	for _, f := range record.Fields() {
		p.sink.PublishField(f.Name, f.Value, true)
	}
	p.sink.PublishJSON(record, true)

	mode := "N/A"
	if record.InverterMode != nil {
		mode = string(*record.InverterMode)
	}
	log.Printf("Data published: PV=%dW, Battery=%sV/%d%%, Output=%dW, Mode=%s",
		record.PVInputPower,
		strconv.FormatFloat(record.BatteryVoltage, 'f', -1, 64),
		record.BatteryCapacity,
		record.ACOutputActivePower,
		mode,
	)
}

// notify hands the outcome to observers without ever blocking the poll loop
func (p *Poller) notify(record *pi30.StatusRecord) {
	if p.updates == nil {
		return
	}
	update := PollUpdate{
		Record:   record,
		State:    p.supervisor.State(),
		Failures: p.supervisor.Failures(),
		At:       time.Now(),
	}
	select {
	case p.updates <- update:
	default:
		log.Debug("Poll update channel full, dropping update")
	}
}

// describeRaw renders a response for logs with its checksum bytes masked
func describeRaw(raw []byte) string {
	if len(raw) >= 4 && raw[0] == pi30.ResponseStart && raw[len(raw)-1] == pi30.Terminator {
		return strconv.Quote(string(raw[:len(raw)-3])) + " +crc"
	}
	return strconv.Quote(string(raw))
}

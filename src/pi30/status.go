package pi30

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// QPIGSFieldCount is the minimum number of tokens in a QPIGS payload
const QPIGSFieldCount = 17

// PVPowerReference is the wattage the PV power candidates are compared against.
// It was calibrated on a single installation; see DESIGN.md.
const PVPowerReference = 85

// BatteryStatus describes the direction of battery current
type BatteryStatus string

const (
	BatteryCharging    BatteryStatus = "charging"
	BatteryDischarging BatteryStatus = "discharging"
	BatteryIdle        BatteryStatus = "idle"
)

// InverterMode is the source currently feeding the AC output
type InverterMode string

const (
	ModeBattery InverterMode = "battery"
	ModeGrid    InverterMode = "grid"
)

// Parse errors
var (
	ErrTooFewFields   = errors.New("pi30: too few fields")
	ErrMalformedField = errors.New("pi30: malformed field")
	// ErrNonFinite is the cause of a MalformedField holding NaN or Inf
	ErrNonFinite = errors.New("pi30: value is not finite")
)

// ParseError describes why a QPIGS payload was rejected
type ParseError struct {
	Kind  error  // ErrTooFewFields or ErrMalformedField
	Count int    // number of tokens received
	Index int    // failing token, -1 if not applicable
	Token string // failing token text
	Err   error  // conversion error, if any
}

func (e *ParseError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%v: got %d, need %d", e.Kind, e.Count, QPIGSFieldCount)
	}
	return fmt.Sprintf("%v: token %d %q: %v", e.Kind, e.Index, e.Token, e.Err)
}

func (e *ParseError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// StatusRecord is one decoded QPIGS snapshot plus the metrics derived from it.
// Records are built once by ParseStatus and never modified afterwards.
type StatusRecord struct {
	GridVoltage             float64 `json:"grid_voltage"`
	GridFrequency           float64 `json:"grid_frequency"`
	ACOutputVoltage         float64 `json:"ac_output_voltage"`
	ACOutputFrequency       float64 `json:"ac_output_frequency"`
	ACOutputApparentPower   int     `json:"ac_output_apparent_power"`
	ACOutputActivePower     int     `json:"ac_output_active_power"`
	LoadPercent             int     `json:"load_percent"`
	BusVoltage              int     `json:"bus_voltage"`
	BatteryVoltage          float64 `json:"battery_voltage"`
	BatteryChargingCurrent  int     `json:"battery_charging_current"`
	BatteryCapacity         int     `json:"battery_capacity"`
	InverterTemperature     int     `json:"inverter_temperature"`
	PVInputCurrent          float64 `json:"pv_input_current"`
	PVInputVoltage          float64 `json:"pv_input_voltage"`
	BatterySCCVoltage       float64 `json:"battery_scc_voltage"`
	BatteryDischargeCurrent int     `json:"battery_discharge_current"`
	DeviceStatus            string  `json:"device_status"`

	PVInputPower  int           `json:"pv_input_power"`
	BatteryStatus BatteryStatus `json:"battery_status"`
	BatteryPower  float64       `json:"battery_power"`

	// Only set when DeviceStatus has at least 8 flag characters
	InverterMode    *InverterMode `json:"inverter_mode,omitempty"`
	ChargingEnabled *bool         `json:"charging_enabled,omitempty"`
	LoadOn          *bool         `json:"load_on,omitempty"`
}

// tokenReader converts positional tokens, keeping the first failure
type tokenReader struct {
	tokens []string
	err    *ParseError
}

func (r *tokenReader) fail(i int, err error) {
	if r.err == nil {
		r.err = &ParseError{Kind: ErrMalformedField, Count: len(r.tokens), Index: i, Token: r.tokens[i], Err: err}
	}
}

func (r *tokenReader) decimal(i int) float64 {
	v, err := strconv.ParseFloat(r.tokens[i], 64)
	switch {
	case err != nil:
		r.fail(i, err)
	case math.IsNaN(v) || math.IsInf(v, 0):
		r.fail(i, ErrNonFinite)
		return 0
	}
	return v
}

func (r *tokenReader) integer(i int) int {
	v, err := strconv.Atoi(r.tokens[i])
	if err != nil {
		r.fail(i, err)
	}
	return v
}

// ParseStatus decodes a de-framed QPIGS payload.
// Either the whole record is returned or none of it.
func ParseStatus(payload string) (StatusRecord, error) {
	tokens := strings.Fields(payload)
	if len(tokens) < QPIGSFieldCount {
		return StatusRecord{}, &ParseError{Kind: ErrTooFewFields, Count: len(tokens), Index: -1}
	}

	r := &tokenReader{tokens: tokens}
	rec := StatusRecord{
		GridVoltage:             r.decimal(0),
		GridFrequency:           r.decimal(1),
		ACOutputVoltage:         r.decimal(2),
		ACOutputFrequency:       r.decimal(3),
		ACOutputApparentPower:   r.integer(4),
		ACOutputActivePower:     r.integer(5),
		LoadPercent:             r.integer(6),
		BusVoltage:              r.integer(7),
		BatteryVoltage:          r.decimal(8),
		BatteryChargingCurrent:  r.integer(9),
		BatteryCapacity:         r.integer(10),
		InverterTemperature:     r.integer(11),
		PVInputCurrent:          r.decimal(12),
		PVInputVoltage:          r.decimal(13),
		BatterySCCVoltage:       r.decimal(14),
		BatteryDischargeCurrent: r.integer(15),
		DeviceStatus:            tokens[16],
	}
	if r.err != nil {
		return StatusRecord{}, r.err
	}

	rec.PVInputPower = nearest(PVPowerCandidates(rec), PVPowerReference)
	rec.BatteryStatus, rec.BatteryPower = batteryFlow(rec)

	if len(rec.DeviceStatus) >= 8 {
		mode := ModeGrid
		if rec.DeviceStatus[1] == '1' {
			mode = ModeBattery
		}
		charging := rec.DeviceStatus[2] == '1'
		loadOn := rec.DeviceStatus[5] == '1'
		rec.InverterMode = &mode
		rec.ChargingEnabled = &charging
		rec.LoadOn = &loadOn
	}

	return rec, nil
}

// PVPowerCandidates lists the possible PV wattages in selection order:
// V×I/10, V×I/100, then the raw tokens 4 to 7 read as watts.
func PVPowerCandidates(rec StatusRecord) []int {
	return []int{
		int(rec.PVInputVoltage * (rec.PVInputCurrent / 10.0)),
		int(rec.PVInputVoltage * (rec.PVInputCurrent / 100.0)),
		rec.ACOutputApparentPower,
		rec.ACOutputActivePower,
		rec.LoadPercent,
		rec.BusVoltage,
	}
}

// nearest returns the first candidate with the smallest distance to ref
func nearest(candidates []int, ref int) int {
	best := candidates[0]
	bestDist := abs(best - ref)
	for _, c := range candidates[1:] {
		if d := abs(c - ref); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// batteryFlow picks the battery direction; charging wins when both currents are set
func batteryFlow(rec StatusRecord) (BatteryStatus, float64) {
	switch {
	case rec.BatteryChargingCurrent > 0:
		return BatteryCharging, float64(rec.BatteryChargingCurrent) * rec.BatteryVoltage
	case rec.BatteryDischargeCurrent > 0:
		return BatteryDischarging, -float64(rec.BatteryDischargeCurrent) * rec.BatteryVoltage
	default:
		return BatteryIdle, 0
	}
}

// Field is a single named value ready for publishing
type Field struct {
	Name  string
	Value string
}

// Fields returns the record as name/value pairs in a stable order.
// The raw device status flags are left out; they only travel in the JSON form.
func (r StatusRecord) Fields() []Field {
	fields := []Field{
		{"grid_voltage", formatFloat(r.GridVoltage)},
		{"grid_frequency", formatFloat(r.GridFrequency)},
		{"ac_output_voltage", formatFloat(r.ACOutputVoltage)},
		{"ac_output_frequency", formatFloat(r.ACOutputFrequency)},
		{"ac_output_apparent_power", strconv.Itoa(r.ACOutputApparentPower)},
		{"ac_output_active_power", strconv.Itoa(r.ACOutputActivePower)},
		{"load_percent", strconv.Itoa(r.LoadPercent)},
		{"bus_voltage", strconv.Itoa(r.BusVoltage)},
		{"battery_voltage", formatFloat(r.BatteryVoltage)},
		{"battery_charging_current", strconv.Itoa(r.BatteryChargingCurrent)},
		{"battery_capacity", strconv.Itoa(r.BatteryCapacity)},
		{"inverter_temperature", strconv.Itoa(r.InverterTemperature)},
		{"pv_input_current", formatFloat(r.PVInputCurrent)},
		{"pv_input_voltage", formatFloat(r.PVInputVoltage)},
		{"battery_scc_voltage", formatFloat(r.BatterySCCVoltage)},
		{"battery_discharge_current", strconv.Itoa(r.BatteryDischargeCurrent)},
		{"pv_input_power", strconv.Itoa(r.PVInputPower)},
		{"battery_status", string(r.BatteryStatus)},
		{"battery_power", formatFloat(r.BatteryPower)},
	}
	if r.InverterMode != nil {
		fields = append(fields, Field{"inverter_mode", string(*r.InverterMode)})
	}
	if r.ChargingEnabled != nil {
		fields = append(fields, Field{"charging_enabled", strconv.FormatBool(*r.ChargingEnabled)})
	}
	if r.LoadOn != nil {
		fields = append(fields, Field{"load_on", strconv.FormatBool(*r.LoadOn)})
	}
	return fields
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

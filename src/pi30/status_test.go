package pi30

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus_SamplePayload(t *testing.T) {
	rec, err := ParseStatus(samplePayload)
	require.NoError(t, err)

	assert.Equal(t, 0.0, rec.GridVoltage)
	assert.Equal(t, 229.9, rec.ACOutputVoltage)
	assert.Equal(t, 50.0, rec.ACOutputFrequency)
	assert.Equal(t, 229, rec.ACOutputApparentPower)
	assert.Equal(t, 153, rec.ACOutputActivePower)
	assert.Equal(t, 4, rec.LoadPercent)
	assert.Equal(t, 400, rec.BusVoltage)
	assert.Equal(t, 54.4, rec.BatteryVoltage)
	assert.Equal(t, 16, rec.BatteryChargingCurrent)
	assert.Equal(t, 72, rec.BatteryCapacity)
	assert.Equal(t, 45, rec.InverterTemperature)
	assert.Equal(t, 16.0, rec.PVInputCurrent)
	assert.Equal(t, 248.2, rec.PVInputVoltage)
	assert.Equal(t, 0, rec.BatteryDischargeCurrent)
	assert.Equal(t, "00010", rec.DeviceStatus)

	assert.Equal(t, BatteryCharging, rec.BatteryStatus)
	assert.InDelta(t, 870.4, rec.BatteryPower, 1e-9)
	assert.Equal(t, []int{397, 39, 229, 153, 4, 400}, PVPowerCandidates(rec))
	assert.Equal(t, 39, rec.PVInputPower)

	// "00010" is too short to carry mode flags
	assert.Nil(t, rec.InverterMode)
	assert.Nil(t, rec.ChargingEnabled)
	assert.Nil(t, rec.LoadOn)
}

func TestParseStatus_DeviceStatusFlags(t *testing.T) {
	tests := []struct {
		name         string
		flags        string
		wantMode     InverterMode
		wantCharging bool
		wantLoad     bool
	}{
		{"battery mode, charging, load on", "01100100", ModeBattery, true, true},
		{"grid mode, nothing set", "00000000", ModeGrid, false, false},
		{"grid mode, load on", "00010110", ModeGrid, false, true},
		{"longer string", "011001001", ModeBattery, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := strings.Replace(samplePayload, "00010", tt.flags, 1)
			rec, err := ParseStatus(payload)
			require.NoError(t, err)
			require.NotNil(t, rec.InverterMode)
			assert.Equal(t, tt.wantMode, *rec.InverterMode)
			assert.Equal(t, tt.wantCharging, *rec.ChargingEnabled)
			assert.Equal(t, tt.wantLoad, *rec.LoadOn)
		})
	}
}

func TestParseStatus_ShortFlagsKeepOtherFields(t *testing.T) {
	payload := strings.Replace(samplePayload, "00010", "0110010", 1)
	rec, err := ParseStatus(payload)
	require.NoError(t, err)

	assert.Nil(t, rec.InverterMode)
	assert.Nil(t, rec.ChargingEnabled)
	assert.Nil(t, rec.LoadOn)
	assert.Equal(t, 54.4, rec.BatteryVoltage)
	assert.Equal(t, 39, rec.PVInputPower)
}

func TestParseStatus_BatteryFlow(t *testing.T) {
	// tokens: 8 battery V, 9 charging A, 15 discharge A
	build := func(charge, discharge string) string {
		tokens := strings.Fields(samplePayload)
		tokens[9] = charge
		tokens[15] = discharge
		return strings.Join(tokens, " ")
	}

	tests := []struct {
		name       string
		charge     string
		discharge  string
		wantStatus BatteryStatus
		wantPower  float64
	}{
		{"charging", "010", "00000", BatteryCharging, 544},
		{"discharging", "000", "00005", BatteryDischarging, -272},
		{"idle", "000", "00000", BatteryIdle, 0},
		{"charging wins over discharging", "002", "00005", BatteryCharging, 108.8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := ParseStatus(build(tt.charge, tt.discharge))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, rec.BatteryStatus)
			assert.InDelta(t, tt.wantPower, rec.BatteryPower, 1e-9)
		})
	}
}

func TestParseStatus_TooFewFields(t *testing.T) {
	tokens := strings.Fields(samplePayload)
	rec, err := ParseStatus(strings.Join(tokens[:16], " "))

	assert.ErrorIs(t, err, ErrTooFewFields)
	assert.Equal(t, StatusRecord{}, rec)

	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 16, perr.Count)
}

func TestParseStatus_MalformedField(t *testing.T) {
	tests := []struct {
		name  string
		index int
		token string
	}{
		{"non numeric voltage", 0, "abc"},
		{"decimal where integer expected", 9, "16.5"},
		{"garbage discharge current", 15, "0x10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := strings.Fields(samplePayload)
			tokens[tt.index] = tt.token
			rec, err := ParseStatus(strings.Join(tokens, " "))

			assert.ErrorIs(t, err, ErrMalformedField)
			assert.ErrorIs(t, err, strconv.ErrSyntax)
			assert.Equal(t, StatusRecord{}, rec)

			var perr *ParseError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.index, perr.Index)
			assert.Equal(t, tt.token, perr.Token)
		})
	}
}

func TestParseStatus_NonFiniteDecimal(t *testing.T) {
	tests := []struct {
		name  string
		index int
		token string
		cause error
	}{
		{"nan battery voltage", 8, "NaN", ErrNonFinite},
		{"inf pv current", 12, "Inf", ErrNonFinite},
		{"negative inf grid voltage", 0, "-inf", ErrNonFinite},
		{"overflowing pv voltage", 13, "1e400", strconv.ErrRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := strings.Fields(samplePayload)
			tokens[tt.index] = tt.token
			rec, err := ParseStatus(strings.Join(tokens, " "))

			assert.ErrorIs(t, err, ErrMalformedField)
			assert.ErrorIs(t, err, tt.cause)
			assert.Equal(t, StatusRecord{}, rec)

			var perr *ParseError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.index, perr.Index)
			assert.Equal(t, tt.token, perr.Token)
		})
	}
}

func TestNearest_FirstMinimumWins(t *testing.T) {
	assert.Equal(t, 80, nearest([]int{80, 90, 85 + 5}, 85))
	assert.Equal(t, 85, nearest([]int{100, 85, 85}, 85))
	assert.Equal(t, -10, nearest([]int{-10, 200}, 85))
}

func TestStatusRecord_Fields(t *testing.T) {
	payload := strings.Replace(samplePayload, "00010", "01100100", 1)
	rec, err := ParseStatus(payload)
	require.NoError(t, err)

	values := map[string]string{}
	for _, f := range rec.Fields() {
		values[f.Name] = f.Value
	}

	assert.Equal(t, "54.4", values["battery_voltage"])
	assert.Equal(t, "39", values["pv_input_power"])
	assert.Equal(t, "charging", values["battery_status"])
	assert.Equal(t, "battery", values["inverter_mode"])
	assert.Equal(t, "true", values["charging_enabled"])
	assert.Equal(t, "true", values["load_on"])
	assert.NotContains(t, values, "device_status")
}

func TestStatusRecord_JSONOmitsUndecodedFlags(t *testing.T) {
	rec, err := ParseStatus(samplePayload)
	require.NoError(t, err)

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "00010", decoded["device_status"])
	assert.Equal(t, 39.0, decoded["pv_input_power"])
	assert.NotContains(t, decoded, "inverter_mode")
	assert.NotContains(t, decoded, "load_on")
}

package main

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_ObservePoll(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObservePoll(pollOK)
	m.ObservePoll(pollOK)
	m.ObservePoll(pollFrameError)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.polls.WithLabelValues(pollOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.polls.WithLabelValues(pollFrameError)))
	assert.Greater(t, testutil.ToFloat64(m.lastSuccess), 0.0)
}

func TestMetrics_LastSuccessOnlyOnOK(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObservePoll(pollParseError)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.lastSuccess))
}

func TestMetrics_ReconnectsAndState(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveReconnect(false)
	m.ObserveReconnect(true)
	m.SetState(StateDegraded)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects.WithLabelValues("ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.state))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObservePoll(pollOK)
		m.ObserveReconnect(true)
		m.SetState(StateConnected)
	})
}

func TestMetrics_Registered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ObservePoll(pollOK)
	m.ObserveReconnect(true)

	count, err := testutil.GatherAndCount(reg)
	assert.NoError(t, err)
	assert.Equal(t, 4, count)
}

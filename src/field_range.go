package main

import (
	"strconv"
	"time"
)

const rangeBuckets = 60 // one per minute, one hour in total

// minuteBucket holds the extremes seen during one wall-clock minute
type minuteBucket struct {
	minute   time.Time // truncated start of the minute; zero when empty
	min, max float64
}

// fieldRange tracks the min/max of one numeric field over the last hour
type fieldRange struct {
	buckets [rangeBuckets]minuteBucket
}

func (r *fieldRange) observe(value float64, at time.Time) {
	minute := at.Truncate(time.Minute)
	b := &r.buckets[minute.Unix()/60%rangeBuckets]

	// A bucket from an earlier hour is stale; start it fresh
	if !b.minute.Equal(minute) {
		*b = minuteBucket{minute: minute, min: value, max: value}
		return
	}
	b.min = min(b.min, value)
	b.max = max(b.max, value)
}

// span returns the extremes of every bucket still inside the hour ending at now
func (r *fieldRange) span(now time.Time) (lo, hi float64, ok bool) {
	cutoff := now.Truncate(time.Minute).Add(-(rangeBuckets - 1) * time.Minute)
	for _, b := range r.buckets {
		if b.minute.IsZero() || b.minute.Before(cutoff) {
			continue
		}
		if !ok {
			lo, hi, ok = b.min, b.max, true
			continue
		}
		lo = min(lo, b.min)
		hi = max(hi, b.max)
	}
	return lo, hi, ok
}

// FieldRanges keeps a rolling hour of min/max for every numeric field it is fed
type FieldRanges struct {
	fields map[string]*fieldRange
}

// NewFieldRanges creates an empty tracker
func NewFieldRanges() *FieldRanges {
	return &FieldRanges{fields: make(map[string]*fieldRange)}
}

// Observe records every value that parses as a number; text fields are skipped
func (f *FieldRanges) Observe(name, value string, at time.Time) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return
	}
	r, ok := f.fields[name]
	if !ok {
		r = &fieldRange{}
		f.fields[name] = r
	}
	r.observe(v, at)
}

// Span returns the min and max of a field over the hour ending at now
func (f *FieldRanges) Span(name string, now time.Time) (lo, hi float64, ok bool) {
	r, found := f.fields[name]
	if !found {
		return 0, 0, false
	}
	return r.span(now)
}

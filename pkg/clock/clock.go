// Package clock provides timestamp sources for OTA envelopes.
package clock

import "time"

// ISO8601 is the timestamp layout used on the wire.
const ISO8601 = "2006-01-02T15:04:05Z"

// System reads the wall clock.
type System struct{}

// Timestamp returns the current UTC time in ISO-8601 form.
func (System) Timestamp() string {
	return time.Now().UTC().Format(ISO8601)
}

// Fixed always returns the same instant.
type Fixed struct {
	At time.Time
}

func (f Fixed) Timestamp() string {
	return f.At.UTC().Format(ISO8601)
}

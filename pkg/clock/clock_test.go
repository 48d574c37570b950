package clock

import (
	"testing"
	"time"
)

func TestFixedTimestamp(t *testing.T) {
	at := time.Date(2024, 1, 1, 8, 30, 0, 0, time.FixedZone("CST", 8*3600))
	if got := (Fixed{At: at}).Timestamp(); got != "2024-01-01T00:30:00Z" {
		t.Errorf("Expected UTC timestamp, got %s", got)
	}
}

func TestSystemTimestamp(t *testing.T) {
	ts := System{}.Timestamp()
	if _, err := time.Parse(ISO8601, ts); err != nil {
		t.Fatalf("Timestamp %q does not parse: %v", ts, err)
	}
}

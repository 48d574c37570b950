package ota

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// Status represents the OTA update status. The numeric value is what gets
// reported to the update server in report_status envelopes.
type Status uint8

const (
	StatusIdle Status = iota
	StatusChecking
	StatusDownloading
	StatusVerifying
	StatusCompleted
	StatusFailed
)

var statusNames = [...]string{
	StatusIdle:        "idle",
	StatusChecking:    "checking",
	StatusDownloading: "downloading",
	StatusVerifying:   "verifying",
	StatusCompleted:   "completed",
	StatusFailed:      "failed",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// ParseStatus maps a status name back to its value.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// InFlight reports whether an update task owns the status.
func (s Status) InFlight() bool {
	return s == StatusDownloading || s == StatusVerifying
}

// Transition events of the status machine.
const (
	eventCheck    = "check"
	eventChecked  = "checked"
	eventDownload = "download"
	eventVerify   = "verify"
	eventComplete = "complete"
	eventFail     = "fail"
	eventCancel   = "cancel"
)

// newStatusMachine declares every legal OTA status transition. Completed and
// Failed are terminal for an attempt, so the next check or download starts
// from them as if they were Idle.
func newStatusMachine() *fsm.FSM {
	idle := StatusIdle.String()
	checking := StatusChecking.String()
	downloading := StatusDownloading.String()
	verifying := StatusVerifying.String()
	completed := StatusCompleted.String()
	failed := StatusFailed.String()

	return fsm.NewFSM(
		idle,
		fsm.Events{
			{Name: eventCheck, Src: []string{idle, completed, failed}, Dst: checking},
			{Name: eventChecked, Src: []string{checking}, Dst: idle},
			{Name: eventDownload, Src: []string{idle, completed, failed}, Dst: downloading},
			{Name: eventVerify, Src: []string{downloading}, Dst: verifying},
			{Name: eventComplete, Src: []string{verifying}, Dst: completed},
			{Name: eventFail, Src: []string{checking, downloading, verifying}, Dst: failed},
			{Name: eventCancel, Src: []string{downloading, verifying}, Dst: idle},
		},
		fsm.Callbacks{},
	)
}

// statusOf reads the machine's current state as a Status.
func statusOf(m *fsm.FSM) Status {
	s, err := ParseStatus(m.Current())
	if err != nil {
		return StatusFailed
	}
	return s
}

// fire runs a transition and returns the resulting status.
func fire(m *fsm.FSM, event string) (Status, error) {
	if err := m.Event(context.Background(), event); err != nil {
		return statusOf(m), err
	}
	return statusOf(m), nil
}

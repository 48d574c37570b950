package ota

import (
	"context"
	"time"
)

// FirmwareInfo describes a firmware image published by the update server.
type FirmwareInfo struct {
	Version string `json:"version"`
	Name    string `json:"name"`
	Size    uint64 `json:"size"`
	Info    string `json:"info"`
	MD5     string `json:"md5"`
	Time    string `json:"time"`
}

// ProgressCallback is called for every chunk written during a download.
// percent is 0 while the total size is unknown.
type ProgressCallback func(received, total uint64, percent float64)

// StatusCallback is called once per status transition.
type StatusCallback func(status Status)

// CompleteCallback is called once when an update attempt ends.
type CompleteCallback func(success bool, reason string)

// Response is the result of a blocking HTTP request.
type Response struct {
	StatusCode int
	Body       []byte
}

// ResponseHeader is handed to the headers callback of a streaming request.
// ContentLength is -1 when the server did not declare it.
type ResponseHeader struct {
	StatusCode    int
	ContentLength int64
}

// Transport performs the HTTP exchanges with the update server.
type Transport interface {
	// Post sends body as JSON and waits for the full response.
	Post(ctx context.Context, url string, body []byte, timeout time.Duration) (*Response, error)
	// Stream issues a GET and delivers the body chunk by chunk. Returning
	// false from either callback aborts the transfer. Cancelling ctx aborts
	// it between chunks.
	Stream(ctx context.Context, url string, timeout time.Duration, onHeaders func(ResponseHeader) bool, onData func([]byte) bool) error
}

// Slot identifies one of the two update slots.
type Slot uint8

const (
	SlotNone Slot = iota
	SlotA
	SlotB
)

func (s Slot) String() string {
	switch s {
	case SlotA:
		return "ota_0"
	case SlotB:
		return "ota_1"
	default:
		return "factory"
	}
}

// Other returns the opposite update slot. Anything that is not slot A,
// including a factory image, updates into slot A.
func (s Slot) Other() Slot {
	if s == SlotA {
		return SlotB
	}
	return SlotA
}

// Partition is a flash region that can hold a firmware image.
type Partition struct {
	Label string
	Slot  Slot
	Size  uint64
}

// ImageState is the rollback state of a firmware image.
type ImageState uint8

const (
	ImageStateUndefined ImageState = iota
	ImageStateValid
	ImageStatePendingVerify
	ImageStateInvalid
	ImageStateAborted
)

func (s ImageState) String() string {
	switch s {
	case ImageStateValid:
		return "valid"
	case ImageStatePendingVerify:
		return "pending_verify"
	case ImageStateInvalid:
		return "invalid"
	case ImageStateAborted:
		return "aborted"
	default:
		return "undefined"
	}
}

// WriteHandle is an open partition write. It is owned by exactly one update
// task and must end in either Finalize or Abort.
type WriteHandle interface {
	Write(p []byte) (int, error)
	// Finalize validates the written image and makes it eligible for boot.
	Finalize() error
	Abort() error
}

// Flash exposes the partition primitives of the device.
type Flash interface {
	RunningPartition() (Partition, error)
	// FindPartition returns the update partition for a slot.
	FindPartition(slot Slot) (Partition, error)
	BeginWrite(p Partition) (WriteHandle, error)
	SetBootPartition(p Partition) error
	RunningImageState() (ImageState, error)
	MarkRunningImageValid() error
	Restart() error
}

// TaskHandle refers to a spawned task.
type TaskHandle interface {
	Done() <-chan struct{}
}

// TaskRunner spawns one-shot background tasks.
type TaskRunner interface {
	Spawn(name string, fn func()) (TaskHandle, error)
}

// Clock provides envelope timestamps.
type Clock interface {
	Timestamp() string
}

// VersionProvider provides the current firmware version.
type VersionProvider interface {
	GetVersion() string
	SetVersion(version string) error
}

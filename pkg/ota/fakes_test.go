package ota

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

var errAborted = errors.New("transfer aborted by callback")

type postCall struct {
	url  string
	body []byte
}

type fakeTransport struct {
	mu        sync.Mutex
	responses map[string]*Response
	postErr   error
	posts     []postCall
	// beforePost runs ahead of every request, outside the lock.
	beforePost func(url string)

	streamURL     string
	statusCode    int
	contentLength int64
	chunks        [][]byte
	streamErr     error
	// beforeChunk runs ahead of every chunk delivery.
	beforeChunk func(i int)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		responses:     make(map[string]*Response),
		statusCode:    200,
		contentLength: -1,
	}
}

func (f *fakeTransport) reply(path string, code int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[path] = &Response{StatusCode: code, Body: []byte(body)}
}

func (f *fakeTransport) Post(ctx context.Context, url string, body []byte, timeout time.Duration) (*Response, error) {
	if f.beforePost != nil {
		f.beforePost(url)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, postCall{url: url, body: body})
	if f.postErr != nil {
		return nil, f.postErr
	}
	for path, resp := range f.responses {
		if strings.HasSuffix(url, path) {
			return resp, nil
		}
	}
	return &Response{StatusCode: 404}, nil
}

func (f *fakeTransport) lastPost() postCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.posts) == 0 {
		return postCall{}
	}
	return f.posts[len(f.posts)-1]
}

func (f *fakeTransport) Stream(ctx context.Context, url string, timeout time.Duration, onHeaders func(ResponseHeader) bool, onData func([]byte) bool) error {
	f.mu.Lock()
	f.streamURL = url
	f.mu.Unlock()

	if !onHeaders(ResponseHeader{StatusCode: f.statusCode, ContentLength: f.contentLength}) {
		return errAborted
	}
	for i, chunk := range f.chunks {
		if f.beforeChunk != nil {
			f.beforeChunk(i)
		}
		if !onData(chunk) {
			return errAborted
		}
	}
	return f.streamErr
}

type fakeHandle struct {
	flash *fakeFlash
}

func (h *fakeHandle) Write(p []byte) (int, error) {
	h.flash.mu.Lock()
	defer h.flash.mu.Unlock()
	if h.flash.writeErr != nil {
		return 0, h.flash.writeErr
	}
	return h.flash.written.Write(p)
}

func (h *fakeHandle) Finalize() error {
	if h.flash.beforeFinalize != nil {
		h.flash.beforeFinalize()
	}
	h.flash.mu.Lock()
	defer h.flash.mu.Unlock()
	if h.flash.finalizeErr != nil {
		return h.flash.finalizeErr
	}
	h.flash.finalized = true
	return nil
}

func (h *fakeHandle) Abort() error {
	h.flash.mu.Lock()
	defer h.flash.mu.Unlock()
	h.flash.aborted = true
	return nil
}

type fakeFlash struct {
	mu         sync.Mutex
	running    Partition
	partitions map[Slot]Partition
	state      ImageState

	beginErr    error
	writeErr    error
	finalizeErr error
	bootErr     error
	// beforeFinalize runs when the image is finalized, outside the lock.
	beforeFinalize func()

	markedValid bool
	begunOn     *Partition
	written     bytes.Buffer
	finalized   bool
	aborted     bool
	boot        *Partition
	restarts    int
	// calls records the order of flash operations.
	calls []string
}

func newFakeFlash() *fakeFlash {
	a := Partition{Label: "ota_0", Slot: SlotA, Size: 1 << 20}
	b := Partition{Label: "ota_1", Slot: SlotB, Size: 1 << 20}
	return &fakeFlash{
		running:    a,
		partitions: map[Slot]Partition{SlotA: a, SlotB: b},
		state:      ImageStateValid,
	}
}

func (f *fakeFlash) RunningPartition() (Partition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeFlash) FindPartition(slot Slot) (Partition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.partitions[slot]
	if !ok {
		return Partition{}, errors.New("partition not found")
	}
	return p, nil
}

func (f *fakeFlash) BeginWrite(p Partition) (WriteHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "begin")
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.begunOn = &p
	return &fakeHandle{flash: f}, nil
}

func (f *fakeFlash) SetBootPartition(p Partition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "boot")
	if f.bootErr != nil {
		return f.bootErr
	}
	f.boot = &p
	return nil
}

func (f *fakeFlash) RunningImageState() (ImageState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeFlash) MarkRunningImageValid() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "mark_valid")
	f.markedValid = true
	f.state = ImageStateValid
	return nil
}

func (f *fakeFlash) Restart() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "restart")
	f.restarts++
	return nil
}

type goHandle struct {
	done chan struct{}
}

func (h *goHandle) Done() <-chan struct{} {
	return h.done
}

type goRunner struct {
	err error
}

func (r *goRunner) Spawn(name string, fn func()) (TaskHandle, error) {
	if r.err != nil {
		return nil, r.err
	}
	h := &goHandle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		fn()
	}()
	return h, nil
}

type fixedClock string

func (c fixedClock) Timestamp() string {
	return string(c)
}

type outcome struct {
	success bool
	reason  string
}

// recorder captures every callback of a manager.
type recorder struct {
	mu       sync.Mutex
	statuses []Status
	received []uint64
	totals   []uint64
	percents []float64
	done     chan outcome
	// onStatus runs after a status is recorded.
	onStatus func(Status)
}

func newRecorder(m *Manager) *recorder {
	r := &recorder{done: make(chan outcome, 4)}
	m.SetStatusCallback(func(s Status) {
		r.mu.Lock()
		r.statuses = append(r.statuses, s)
		hook := r.onStatus
		r.mu.Unlock()
		if hook != nil {
			hook(s)
		}
	})
	m.SetProgressCallback(func(received, total uint64, percent float64) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.received = append(r.received, received)
		r.totals = append(r.totals, total)
		r.percents = append(r.percents, percent)
	})
	m.SetCompleteCallback(func(success bool, reason string) {
		r.done <- outcome{success: success, reason: reason}
	})
	return r
}

func (r *recorder) wait(t *testing.T) outcome {
	t.Helper()
	select {
	case o := <-r.done:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for update completion")
	}
	return outcome{}
}

func (r *recorder) statusList() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func newTestManager(t *testing.T, transport *fakeTransport, flash *fakeFlash) *Manager {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	m, err := NewManager(Config{
		DeviceID:       "robot-001",
		CurrentVersion: "1.0.0",
		Transport:      transport,
		Flash:          flash,
		Runner:         &goRunner{},
		Clock:          fixedClock("2024-01-01T00:00:00Z"),
		Logger:         logger.WithField("system", "ota-test"),
		Sleep:          func(time.Duration) {},
	})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return m
}

func equalStatuses(got, want []Status) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

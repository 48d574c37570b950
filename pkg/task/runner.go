// Package task runs one-shot background tasks and tracks them until they
// exit.
package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/iot-ota-sdk/pkg/ota"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Handle refers to a spawned task.
type Handle struct {
	name string
	done chan struct{}
}

func (h *Handle) Name() string {
	return h.name
}

// Done is closed once the task has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Runner spawns tasks on goroutines. A panicking task is recovered and
// logged so it cannot take the process down.
type Runner struct {
	group  errgroup.Group
	logger logrus.FieldLogger

	mu     sync.Mutex
	closed bool
}

var _ ota.TaskRunner = (*Runner)(nil)

func NewRunner(logger logrus.FieldLogger) *Runner {
	if logger == nil {
		logger = logrus.StandardLogger().WithField("system", "task")
	}
	return &Runner{logger: logger}
}

func (r *Runner) Spawn(name string, fn func()) (ota.TaskHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("runner is closed, cannot spawn %s", name)
	}

	h := &Handle{name: name, done: make(chan struct{})}
	r.group.Go(func() (err error) {
		defer close(h.done)
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("task %s panicked: %v", name, p)
				r.logger.WithField("task", name).Errorf("Task panicked: %v", p)
			}
		}()

		r.logger.WithField("task", name).Debug("Task started")
		fn()
		r.logger.WithField("task", name).Debug("Task finished")
		return nil
	})
	return h, nil
}

// Wait refuses new tasks and blocks until all spawned tasks have returned or
// ctx is done. It returns the first task panic, if any.
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- r.group.Wait() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

package ota

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// errInterrupted is reported when an attempt loses ownership of the status
// without an explicit Cancel.
var errInterrupted = errors.New("update interrupted")

// updateContext is everything one update attempt needs. It is not modified
// after construction; cancellation travels through ctx and the manager's
// cancelled flag.
type updateContext struct {
	id         string
	serverURL  string
	info       FirmwareInfo
	timeout    time.Duration
	onProgress ProgressCallback
	onStatus   StatusCallback
	onComplete CompleteCallback

	ctx    context.Context
	cancel context.CancelFunc
}

func newUpdateContext(serverURL string, info FirmwareInfo, timeout time.Duration,
	onProgress ProgressCallback, onStatus StatusCallback, onComplete CompleteCallback) *updateContext {
	ctx, cancel := context.WithCancel(context.Background())
	return &updateContext{
		id:         uuid.NewString(),
		serverURL:  serverURL,
		info:       info,
		timeout:    timeout,
		onProgress: onProgress,
		onStatus:   onStatus,
		onComplete: onComplete,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (uc *updateContext) notifyStatus(s Status) {
	if uc.onStatus != nil {
		uc.onStatus(s)
	}
}

func (uc *updateContext) notifyComplete(success bool, reason string) {
	if uc.onComplete != nil {
		uc.onComplete(success, reason)
	}
}

func percentOf(received, total uint64) float64 {
	if total == 0 {
		return 0
	}
	p := float64(received) * 100 / float64(total)
	if p > 100 {
		p = 100
	}
	return p
}

func (m *Manager) isCancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

// advance fires event on behalf of attempt uc. It does nothing once the
// attempt was cancelled, so a cancelled attempt never reports another
// status after Idle.
func (m *Manager) advance(uc *updateContext, event string) bool {
	m.mu.Lock()
	if m.current != uc || m.cancelled {
		m.mu.Unlock()
		return false
	}
	status, err := fire(m.machine, event)
	m.mu.Unlock()

	if err != nil {
		m.logger.WithError(err).WithField("update", uc.id).Warnf("Status transition %s rejected in %s", event, status)
		return false
	}
	uc.notifyStatus(status)
	return true
}

// commit marks the point after which the attempt can no longer be cancelled.
func (m *Manager) commit(uc *updateContext) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != uc || m.cancelled {
		return false
	}
	m.committing = true
	return true
}

// release detaches uc from the manager so a new attempt may start.
func (m *Manager) release(uc *updateContext) {
	m.mu.Lock()
	if m.current == uc {
		m.current = nil
		m.committing = false
	}
	m.mu.Unlock()
	uc.cancel()
}

// settle moves attempt uc to Failed unless it was cancelled, and reports
// whether it was. The check and the transition share one critical section.
func (m *Manager) settle(uc *updateContext) (cancelled bool) {
	m.mu.Lock()
	if m.cancelled {
		m.mu.Unlock()
		return true
	}
	if m.current != uc {
		m.mu.Unlock()
		return false
	}
	status, err := fire(m.machine, eventFail)
	m.mu.Unlock()

	if err != nil {
		m.logger.WithError(err).WithField("update", uc.id).Warnf("Status transition %s rejected in %s", eventFail, status)
		return false
	}
	uc.notifyStatus(status)
	return false
}

// fail ends the attempt unsuccessfully. A cancelled attempt keeps the Idle
// status set by Cancel and reports the cancellation reason.
func (m *Manager) fail(uc *updateContext, err error) {
	log := m.logger.WithField("update", uc.id)

	reason := err.Error()
	if m.settle(uc) {
		reason = ErrCancelled.Error()
		log.Info("Update aborted after cancellation")
	} else {
		if errors.Is(err, ErrDigestMismatch) {
			reason = ErrDigestMismatch.Error()
		}
		log.WithError(err).Error("Update failed")
	}

	m.release(uc)
	uc.notifyComplete(false, reason)
}

func (m *Manager) abort(uc *updateContext, handle WriteHandle) {
	if err := handle.Abort(); err != nil {
		m.logger.WithError(err).WithField("update", uc.id).Warn("Failed to abort partition write")
	}
}

// runUpdate is the body of the background update task. It owns the
// partition write handle for its whole lifetime.
func (m *Manager) runUpdate(uc *updateContext) {
	defer m.release(uc)
	log := m.logger.WithField("update", uc.id)

	if err := m.selector.EnsureBootSafety(); err != nil {
		m.fail(uc, err)
		return
	}

	target, err := m.selector.Target()
	if err != nil {
		m.fail(uc, err)
		return
	}

	handle, err := m.flash.BeginWrite(target)
	if err != nil {
		m.fail(uc, errors.Wrapf(err, "failed to begin write to %s", target.Label))
		return
	}
	log.WithField("partition", target.Label).Info("Writing firmware")

	digest, err := m.download(uc, handle)
	if err != nil {
		m.abort(uc, handle)
		m.fail(uc, err)
		return
	}

	if !m.advance(uc, eventVerify) {
		m.abort(uc, handle)
		m.fail(uc, errInterrupted)
		return
	}

	if !digest.Matches(uc.info.MD5) {
		log.WithFields(logrus.Fields{
			"expected": uc.info.MD5,
			"actual":   digest.Sum(),
		}).Error("Firmware digest mismatch")
		m.abort(uc, handle)
		m.fail(uc, ErrDigestMismatch)
		return
	}

	if !m.commit(uc) {
		m.abort(uc, handle)
		m.fail(uc, errInterrupted)
		return
	}

	if err := handle.Finalize(); err != nil {
		m.fail(uc, errors.Wrap(err, "image validation failed"))
		return
	}

	if err := m.flash.SetBootPartition(target); err != nil {
		m.fail(uc, errors.Wrapf(err, "failed to set boot partition %s", target.Label))
		return
	}

	if m.versions != nil {
		if err := m.versions.SetVersion(uc.info.Version); err != nil {
			log.WithError(err).Warn("Failed to record new firmware version")
		}
	}

	if !m.advance(uc, eventComplete) {
		m.fail(uc, errors.New("update completed in unexpected state"))
		return
	}
	log.WithField("version", uc.info.Version).Info("Update completed, restarting")
	uc.notifyComplete(true, "")

	m.sleep(m.restartDelay)
	if err := m.flash.Restart(); err != nil {
		log.WithError(err).Error("Failed to restart device")
	}
}

// download streams the image into handle and returns its digest.
func (m *Manager) download(uc *updateContext, handle WriteHandle) (*Digest, error) {
	url := BuildURL(uc.serverURL, PathFirmware+uc.info.Name)
	digest := NewDigest()
	total := uc.info.Size

	var (
		received   uint64
		statusCode int
		cancelled  bool
		writeErr   error
	)

	onHeaders := func(h ResponseHeader) bool {
		statusCode = h.StatusCode
		if h.ContentLength > 0 {
			total = uint64(h.ContentLength)
		}
		return h.StatusCode == http.StatusOK
	}

	onData := func(chunk []byte) bool {
		if m.isCancelled() {
			cancelled = true
			return false
		}
		if _, err := handle.Write(chunk); err != nil {
			writeErr = errors.Wrapf(err, "flash write failed at offset %d", received)
			return false
		}
		digest.Write(chunk)
		received += uint64(len(chunk))
		if uc.onProgress != nil {
			uc.onProgress(received, total, percentOf(received, total))
		}
		return true
	}

	err := m.transport.Stream(uc.ctx, url, uc.timeout, onHeaders, onData)
	switch {
	case cancelled || m.isCancelled():
		return nil, ErrCancelled
	case writeErr != nil:
		return nil, writeErr
	case statusCode != 0 && statusCode != http.StatusOK:
		return nil, errors.Wrap(&HTTPStatusError{StatusCode: statusCode}, "download failed")
	case err != nil:
		return nil, errors.Wrap(err, "download failed")
	}

	m.logger.WithFields(logrus.Fields{
		"update":   uc.id,
		"received": received,
		"total":    total,
	}).Info("Download finished")
	return digest, nil
}

package ota

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/iot-ota-sdk/pkg/clock"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var ErrCheckInProgress = errors.New("update check already in progress")

// DefaultRestartDelay is the pause between reporting completion and
// restarting into the new image.
const DefaultRestartDelay = time.Second

// Config holds the collaborators of a Manager.
type Config struct {
	DeviceID       string
	CurrentVersion string
	// Versions, when set, supplies the current version and records the
	// version of a successfully installed image.
	Versions VersionProvider

	Transport Transport
	Flash     Flash
	Runner    TaskRunner
	Clock     Clock

	Logger logrus.FieldLogger
	// RestartDelay defaults to DefaultRestartDelay. A negative value
	// restarts at once.
	RestartDelay time.Duration
	// Sleep waits out the restart delay. Defaults to time.Sleep.
	Sleep func(time.Duration)
}

// Manager drives the OTA flow: check, fetch metadata, download into the
// inactive slot, verify, switch the boot slot and restart.
type Manager struct {
	deviceID     string
	versions     VersionProvider
	transport    Transport
	flash        Flash
	runner       TaskRunner
	codec        *Codec
	selector     *PartitionSelector
	logger       logrus.FieldLogger
	restartDelay time.Duration
	sleep        func(time.Duration)

	mu             sync.Mutex
	currentVersion string
	machine        *fsm.FSM
	onProgress     ProgressCallback
	onStatus       StatusCallback
	onComplete     CompleteCallback
	task           TaskHandle
	current        *updateContext
	cancelled      bool
	committing     bool
}

// NewManager creates a manager with the given collaborators.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.DeviceID == "" {
		return nil, errors.New("device id is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if cfg.Flash == nil {
		return nil, errors.New("flash is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("task runner is required")
	}

	c := cfg.Clock
	if c == nil {
		c = clock.System{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger().WithField("system", "ota")
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	restartDelay := cfg.RestartDelay
	switch {
	case restartDelay == 0:
		restartDelay = DefaultRestartDelay
	case restartDelay < 0:
		restartDelay = 0
	}

	version := cfg.CurrentVersion
	if cfg.Versions != nil {
		if v := cfg.Versions.GetVersion(); v != "" {
			version = v
		}
	}

	return &Manager{
		deviceID:       cfg.DeviceID,
		versions:       cfg.Versions,
		transport:      cfg.Transport,
		flash:          cfg.Flash,
		runner:         cfg.Runner,
		codec:          NewCodec(cfg.DeviceID, c),
		selector:       NewPartitionSelector(cfg.Flash, logger),
		logger:         logger,
		restartDelay:   restartDelay,
		sleep:          sleep,
		currentVersion: version,
		machine:        newStatusMachine(),
	}, nil
}

// SetProgressCallback registers the download progress callback.
func (m *Manager) SetProgressCallback(cb ProgressCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onProgress = cb
}

// SetStatusCallback registers the status transition callback.
func (m *Manager) SetStatusCallback(cb StatusCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatus = cb
}

// SetCompleteCallback registers the update completion callback.
func (m *Manager) SetCompleteCallback(cb CompleteCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onComplete = cb
}

// Status returns the current OTA status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return statusOf(m.machine)
}

// IsUpdating reports whether a check or an update is running.
func (m *Manager) IsUpdating() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := statusOf(m.machine)
	return s == StatusChecking || s.InFlight() || m.current != nil
}

func (m *Manager) CurrentVersion() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentVersion
}

func (m *Manager) DeviceID() string {
	return m.deviceID
}

// ConfirmRunningImage marks a pending-verify running image as valid.
func (m *Manager) ConfirmRunningImage() error {
	return m.selector.EnsureBootSafety()
}

// transition fires event and notifies the registered status callback.
func (m *Manager) transition(event string) {
	m.mu.Lock()
	status, err := fire(m.machine, event)
	cb := m.onStatus
	m.mu.Unlock()

	if err != nil {
		m.logger.WithError(err).Warnf("Status transition %s rejected in %s", event, status)
		return
	}
	if cb != nil {
		cb(status)
	}
}

func (m *Manager) post(ctx context.Context, serverURL, path string, body []byte, timeout time.Duration) ([]byte, error) {
	url := BuildURL(serverURL, path)
	resp, err := m.transport.Post(ctx, url, body, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "request to %s failed", url)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		if se := ParseError(resp.Body); se != nil {
			return nil, se
		}
		return nil, errors.Wrapf(&HTTPStatusError{StatusCode: resp.StatusCode}, "request to %s failed", url)
	}
	return resp.Body, nil
}

// CheckUpdate asks the server whether a newer firmware is available.
// Any failure leaves the status Failed; otherwise it returns to Idle.
func (m *Manager) CheckUpdate(ctx context.Context, serverURL string, timeout time.Duration) (CheckResult, error) {
	version := m.CurrentVersion()
	body, err := m.codec.CheckUpdate(version)
	if err != nil {
		return CheckResult{}, errors.Wrap(err, "failed to encode check_update")
	}

	m.mu.Lock()
	status := statusOf(m.machine)
	switch {
	case status.InFlight() || m.current != nil:
		m.mu.Unlock()
		return CheckResult{}, ErrUpdateInProgress
	case status == StatusChecking:
		m.mu.Unlock()
		return CheckResult{}, ErrCheckInProgress
	}
	status, err = fire(m.machine, eventCheck)
	cb := m.onStatus
	m.mu.Unlock()
	if err != nil {
		return CheckResult{}, errors.Wrapf(err, "cannot check for updates in status %s", status)
	}
	if cb != nil {
		cb(status)
	}
	m.logger.Infof("Checking for updates, current version %s", version)

	reply, err := m.post(ctx, serverURL, PathCheck, body, timeout)
	if err != nil {
		m.logger.WithError(err).Error("Update check failed")
		m.transition(eventFail)
		return CheckResult{}, err
	}

	result, err := ParseCheckUpdate(reply)
	if err != nil {
		m.logger.WithError(err).Error("Invalid check_update reply")
		m.transition(eventFail)
		return CheckResult{}, err
	}

	m.transition(eventChecked)
	m.logger.WithFields(logrus.Fields{
		"respond":      result.Respond,
		"download_url": result.DownloadURL,
	}).Info("Update check finished")
	return *result, nil
}

// GetFirmwareInfo fetches the metadata of the firmware offered by the server.
// It does not change the status.
func (m *Manager) GetFirmwareInfo(ctx context.Context, serverURL string, timeout time.Duration) (FirmwareInfo, error) {
	body, err := m.codec.GetFirmwareInfo()
	if err != nil {
		return FirmwareInfo{}, errors.Wrap(err, "failed to encode get_firmware_info")
	}

	reply, err := m.post(ctx, serverURL, PathInfo, body, timeout)
	if err != nil {
		return FirmwareInfo{}, err
	}

	info, err := ParseFirmwareInfo(reply)
	if err != nil {
		return FirmwareInfo{}, err
	}

	m.logger.WithFields(logrus.Fields{
		"version": info.Version,
		"name":    info.Name,
		"size":    info.Size,
	}).Info("Received firmware info")
	return info, nil
}

// RequestFirmware announces the firmware the device is about to download.
func (m *Manager) RequestFirmware(ctx context.Context, serverURL string, info FirmwareInfo, timeout time.Duration) error {
	body, err := m.codec.RequestFirmware(info)
	if err != nil {
		return errors.Wrap(err, "failed to encode request_firmware")
	}

	reply, err := m.post(ctx, serverURL, PathRequest, body, timeout)
	if err != nil {
		return err
	}
	if se := ParseError(reply); se != nil {
		return se
	}
	return nil
}

// ReportStatus posts a status report. Delivery is best effort: transport
// failures are logged and false is only returned when the report cannot be
// built.
func (m *Manager) ReportStatus(ctx context.Context, serverURL string, status Status, progress uint8, timeout time.Duration) bool {
	body, err := m.codec.ReportStatus(status, progress, m.CurrentVersion())
	if err != nil {
		m.logger.WithError(err).Error("Failed to encode report_status")
		return false
	}

	if _, err := m.post(ctx, serverURL, PathStatus, body, timeout); err != nil {
		m.logger.WithError(err).Warn("Failed to report status")
	}
	return true
}

// StartUpdate schedules a download of info into the inactive slot and
// returns the attempt id. It returns once the task is scheduled; the
// outcome is delivered through the complete callback. While a check is
// waiting on the server it returns ErrCheckInProgress.
func (m *Manager) StartUpdate(serverURL string, info FirmwareInfo, timeout time.Duration) (string, error) {
	m.mu.Lock()
	switch status := statusOf(m.machine); {
	case m.current != nil || status.InFlight():
		m.mu.Unlock()
		return "", ErrUpdateInProgress
	case status == StatusChecking:
		m.mu.Unlock()
		return "", ErrCheckInProgress
	}
	status, err := fire(m.machine, eventDownload)
	if err != nil {
		m.mu.Unlock()
		return "", errors.Wrapf(ErrUpdateInProgress, "cannot start update in status %s", status)
	}

	uc := newUpdateContext(serverURL, info, timeout, m.onProgress, m.onStatus, m.onComplete)
	m.current = uc
	m.cancelled = false
	m.committing = false
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"update":  uc.id,
		"version": info.Version,
		"name":    info.Name,
	}).Info("Starting firmware update")
	uc.notifyStatus(StatusDownloading)

	handle, err := m.runner.Spawn("ota-update", func() { m.runUpdate(uc) })
	if err != nil {
		m.advance(uc, eventFail)
		m.release(uc)
		return "", errors.Wrap(err, "failed to schedule update task")
	}

	m.mu.Lock()
	if m.current == uc || m.current == nil {
		m.task = handle
	}
	m.mu.Unlock()
	return uc.id, nil
}

// Cancel stops the running update. The status returns to Idle at once; the
// task notices at its next chunk and aborts the partition write.
func (m *Manager) Cancel() bool {
	m.mu.Lock()
	uc := m.current
	if uc == nil || m.committing || !statusOf(m.machine).InFlight() {
		m.mu.Unlock()
		return false
	}
	status, err := fire(m.machine, eventCancel)
	if err != nil {
		m.mu.Unlock()
		return false
	}
	m.cancelled = true
	m.mu.Unlock()

	uc.cancel()
	m.logger.WithField("update", uc.id).Info("Update cancelled")
	uc.notifyStatus(status)
	return true
}

// Wait blocks until the most recent update task has exited.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	task := m.task
	m.mu.Unlock()
	if task == nil {
		return nil
	}

	select {
	case <-task.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

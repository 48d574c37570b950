// Package agent runs the OTA manager on a device: periodic update checks,
// telemetry fan-out, status reporting to the server and remote commands.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/iot-ota-sdk/pkg/ota"
	"github.com/iot-ota-sdk/pkg/telemetry"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// reportStep is the progress granularity, in percent, of status reports
// sent to the server during a download.
const reportStep = 10

type Config struct {
	Manager *ota.Manager
	Bus     *telemetry.Bus

	ServerURL     string
	CheckTimeout  time.Duration
	InfoTimeout   time.Duration
	UpdateTimeout time.Duration
	ReportTimeout time.Duration

	AutoUpdate       bool
	CheckInterval    time.Duration
	InitialDelay     time.Duration
	ReportStatus     bool
	AnnounceDownload bool

	Logger logrus.FieldLogger
}

// State is a snapshot of the agent for local and remote inspection.
type State struct {
	DeviceID       string           `json:"device_id"`
	Status         string           `json:"status"`
	Updating       bool             `json:"updating"`
	CurrentVersion string           `json:"current_version"`
	TargetVersion  string           `json:"target_version,omitempty"`
	UpdateID       string           `json:"update_id,omitempty"`
	Received       uint64           `json:"received,omitempty"`
	Total          uint64           `json:"total,omitempty"`
	Percent        float64          `json:"percent"`
	LastCheck      *time.Time       `json:"last_check,omitempty"`
	LastResult     *ota.CheckResult `json:"last_result,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
}

type Agent struct {
	cfg     Config
	manager *ota.Manager
	bus     *telemetry.Bus
	logger  logrus.FieldLogger
	trigger chan struct{}

	mu         sync.Mutex
	confirmed  bool
	target     string
	updateID   string
	received   uint64
	total      uint64
	percent    float64
	lastCheck  time.Time
	lastResult *ota.CheckResult
	lastError  string
	lastReport int
}

// New wires the manager callbacks to the bus. Every status change,
// progress tick and completion is published as a telemetry event.
func New(cfg Config) (*Agent, error) {
	if cfg.Manager == nil {
		return nil, errors.New("manager is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	if cfg.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}
	if cfg.AutoUpdate && cfg.CheckInterval <= 0 {
		return nil, errors.New("check interval must be positive")
	}

	a := &Agent{
		cfg:        cfg,
		manager:    cfg.Manager,
		bus:        cfg.Bus,
		logger:     cfg.Logger,
		trigger:    make(chan struct{}, 1),
		lastReport: -1,
	}
	if a.logger == nil {
		a.logger = logrus.StandardLogger().WithField("system", "agent")
	}

	a.manager.SetStatusCallback(a.onStatus)
	a.manager.SetProgressCallback(a.onProgress)
	a.manager.SetCompleteCallback(a.onComplete)

	if cfg.ReportStatus {
		if _, err := a.bus.SubscribeAsync(a.report, telemetry.EventStatus, telemetry.EventProgress); err != nil {
			return nil, errors.Wrap(err, "failed to subscribe status reporter")
		}
	}
	return a, nil
}

func (a *Agent) publish(e *telemetry.Event) {
	if err := a.bus.Publish(e); err != nil {
		a.logger.WithError(err).WithField("event", e.Type).Warn("Failed to publish event")
	}
}

func (a *Agent) onStatus(status ota.Status) {
	if status == ota.StatusDownloading {
		a.mu.Lock()
		a.received, a.total, a.percent = 0, 0, 0
		a.mu.Unlock()
	}
	a.publish(telemetry.NewStatusEvent(status))
}

func (a *Agent) onProgress(received, total uint64, percent float64) {
	a.mu.Lock()
	a.received, a.total, a.percent = received, total, percent
	a.mu.Unlock()
	a.publish(telemetry.NewProgressEvent(received, total, percent))
}

func (a *Agent) onComplete(success bool, reason string) {
	a.mu.Lock()
	target := a.target
	if !success {
		a.lastError = reason
	} else {
		a.lastError = ""
	}
	a.mu.Unlock()
	a.publish(telemetry.NewCompleteEvent(success, reason, target))
}

// report forwards status changes, and download progress every reportStep
// percent, to the update server.
func (a *Agent) report(e *telemetry.Event) error {
	var progress uint8
	switch e.Type {
	case telemetry.EventProgress:
		step := int(e.Percent) / reportStep * reportStep
		a.mu.Lock()
		if step == a.lastReport {
			a.mu.Unlock()
			return nil
		}
		a.lastReport = step
		a.mu.Unlock()
		progress = uint8(step)
	case telemetry.EventStatus:
		switch e.Status {
		case ota.StatusDownloading:
			a.mu.Lock()
			a.lastReport = 0
			a.mu.Unlock()
		case ota.StatusVerifying, ota.StatusCompleted:
			progress = 100
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ReportTimeout)
	defer cancel()
	if !a.manager.ReportStatus(ctx, a.cfg.ServerURL, e.Status, progress, a.cfg.ReportTimeout) {
		return errors.New("status report could not be built")
	}
	return nil
}

// confirmBoot marks a freshly installed running image valid once the
// update server was reached.
func (a *Agent) confirmBoot() {
	a.mu.Lock()
	done := a.confirmed
	a.confirmed = true
	a.mu.Unlock()
	if done {
		return
	}
	if err := a.manager.ConfirmRunningImage(); err != nil {
		a.logger.WithError(err).Error("Failed to confirm running image")
		a.mu.Lock()
		a.confirmed = false
		a.mu.Unlock()
	}
}

// Check asks the server for an update.
func (a *Agent) Check(ctx context.Context) (ota.CheckResult, error) {
	result, err := a.manager.CheckUpdate(ctx, a.cfg.ServerURL, a.cfg.CheckTimeout)

	a.mu.Lock()
	a.lastCheck = time.Now()
	if err != nil {
		a.lastError = err.Error()
	} else {
		a.lastResult = &result
		a.lastError = ""
	}
	a.mu.Unlock()

	if ota.ServerReached(err) {
		a.confirmBoot()
	}
	return result, err
}

// Update fetches the firmware metadata, unless info is given, and starts
// the download. It returns the attempt id.
func (a *Agent) Update(ctx context.Context, info *ota.FirmwareInfo) (string, error) {
	if a.manager.IsUpdating() {
		return "", ota.ErrUpdateInProgress
	}
	if info == nil {
		fetched, err := a.manager.GetFirmwareInfo(ctx, a.cfg.ServerURL, a.cfg.InfoTimeout)
		if err != nil {
			return "", errors.Wrap(err, "failed to get firmware info")
		}
		info = &fetched
	}

	if info.Version == a.manager.CurrentVersion() {
		return "", errors.Errorf("firmware %s is already running", info.Version)
	}

	if a.cfg.AnnounceDownload {
		if err := a.manager.RequestFirmware(ctx, a.cfg.ServerURL, *info, a.cfg.InfoTimeout); err != nil {
			return "", errors.Wrap(err, "server refused firmware request")
		}
	}

	a.mu.Lock()
	previous := a.target
	a.target = info.Version
	a.mu.Unlock()

	id, err := a.manager.StartUpdate(a.cfg.ServerURL, *info, a.cfg.UpdateTimeout)
	a.mu.Lock()
	if err != nil {
		a.target = previous
	} else {
		a.updateID = id
	}
	a.mu.Unlock()
	return id, err
}

// CheckAndUpdate runs one full cycle: check, then update when the server
// offers a new firmware.
func (a *Agent) CheckAndUpdate(ctx context.Context) (string, error) {
	result, err := a.Check(ctx)
	if err != nil {
		return "", err
	}
	if !result.Available() {
		a.logger.Debug("Firmware is up to date")
		return "", nil
	}
	a.logger.WithField("forced", result.Forced()).Info("Update available")
	return a.Update(ctx, nil)
}

// Cancel stops the running update.
func (a *Agent) Cancel() bool {
	return a.manager.Cancel()
}

// TriggerCheck asks the run loop for an immediate check.
func (a *Agent) TriggerCheck() {
	select {
	case a.trigger <- struct{}{}:
	default:
	}
}

func (a *Agent) Snapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := State{
		DeviceID:       a.manager.DeviceID(),
		Status:         a.manager.Status().String(),
		Updating:       a.manager.IsUpdating(),
		CurrentVersion: a.manager.CurrentVersion(),
		TargetVersion:  a.target,
		UpdateID:       a.updateID,
		Received:       a.received,
		Total:          a.total,
		Percent:        a.percent,
		LastResult:     a.lastResult,
		LastError:      a.lastError,
	}
	if !a.lastCheck.IsZero() {
		t := a.lastCheck
		s.LastCheck = &t
	}
	return s
}

func (a *Agent) cycle(ctx context.Context) {
	id, err := a.CheckAndUpdate(ctx)
	switch {
	case errors.Is(err, ota.ErrUpdateInProgress), errors.Is(err, ota.ErrCheckInProgress):
		a.logger.Debug("Skipping check, OTA is busy")
	case err != nil:
		a.logger.WithError(err).Warn("Update cycle failed")
	case id != "":
		a.logger.WithField("update", id).Info("Update started")
	}
}

// Run checks for updates after the initial delay and then every check
// interval, or whenever TriggerCheck is called. Without auto update it
// only serves triggered checks. It returns when ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.WithFields(logrus.Fields{
		"auto_update": a.cfg.AutoUpdate,
		"interval":    a.cfg.CheckInterval,
		"version":     a.manager.CurrentVersion(),
	}).Info("Starting OTA agent")

	var tick <-chan time.Time
	var timer *time.Timer
	if a.cfg.AutoUpdate {
		timer = time.NewTimer(a.cfg.InitialDelay)
		defer timer.Stop()
		tick = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Stopping OTA agent")
			return nil
		case <-tick:
			a.cycle(ctx)
			timer.Reset(a.cfg.CheckInterval)
		case <-a.trigger:
			a.cycle(ctx)
		}
	}
}

package telemetry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Progress steps reported on the progress topic besides 0-100.
const (
	StepFailed    = -1
	StepDownload  = -2
	StepVerify    = -3
	StepCancelled = -4
)

// Publisher is satisfied by *mqtt.Client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MQTTSink reports OTA events to the cloud over MQTT. Progress goes to
// /ota/device/{id}/progress and the installed version to
// /ota/device/{id}/inform.
type MQTTSink struct {
	publisher Publisher
	deviceID  string
	logger    logrus.FieldLogger
	lastStep  int
}

func NewMQTTSink(publisher Publisher, deviceID string) *MQTTSink {
	return &MQTTSink{
		publisher: publisher,
		deviceID:  deviceID,
		logger:    logrus.StandardLogger().WithField("system", "telemetry-mqtt"),
		lastStep:  -100,
	}
}

func (s *MQTTSink) SetLogger(logger logrus.FieldLogger) {
	s.logger = logger
}

func (s *MQTTSink) ProgressTopic() string {
	return fmt.Sprintf("/ota/device/%s/progress", s.deviceID)
}

func (s *MQTTSink) InformTopic() string {
	return fmt.Sprintf("/ota/device/%s/inform", s.deviceID)
}

type report struct {
	ID     string                 `json:"id"`
	Params map[string]interface{} `json:"params"`
}

func (s *MQTTSink) publish(topic string, params map[string]interface{}) error {
	data, err := json.Marshal(report{
		ID:     strconv.FormatInt(time.Now().UnixNano(), 10),
		Params: params,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal report")
	}
	if err := s.publisher.Publish(topic, data, 0, false); err != nil {
		return errors.Wrapf(err, "failed to publish to %s", topic)
	}
	return nil
}

// ReportVersion announces the running firmware version.
func (s *MQTTSink) ReportVersion(version string) error {
	s.logger.WithField("version", version).Info("Reporting version")
	return s.publish(s.InformTopic(), map[string]interface{}{"version": version})
}

func (s *MQTTSink) reportProgress(step int, desc string) error {
	if step == s.lastStep {
		return nil
	}
	s.lastStep = step
	return s.publish(s.ProgressTopic(), map[string]interface{}{
		"step": strconv.Itoa(step),
		"desc": desc,
	})
}

// Handle is meant to be subscribed asynchronously, it is not safe for
// concurrent use. Progress is reported once per whole percent.
func (s *MQTTSink) Handle(e *Event) error {
	switch e.Type {
	case EventStatus:
		if e.State == "downloading" {
			return s.reportProgress(0, "downloading")
		}
		if e.State == "verifying" {
			return s.reportProgress(100, "verifying")
		}
	case EventProgress:
		return s.reportProgress(int(e.Percent), "downloading")
	case EventComplete:
		defer func() { s.lastStep = -100 }()
		if !e.Success {
			return s.reportProgress(failureStep(e.Reason), e.Reason)
		}
		if e.Version != "" {
			return s.ReportVersion(e.Version)
		}
	}
	return nil
}

func failureStep(reason string) int {
	switch {
	case reason == "download cancelled":
		return StepCancelled
	case reason == "MD5 mismatch":
		return StepVerify
	case strings.HasPrefix(reason, "download failed"):
		return StepDownload
	default:
		return StepFailed
	}
}

package ota

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Envelope types exchanged with the update server.
const (
	TypeCheckUpdate     = "check_update"
	TypeReplyUpdate     = "reply_update"
	TypeGetFirmwareInfo = "get_firmware_info"
	TypeFirmwareInfo    = "firmware_info"
	TypeRequestFirmware = "request_firmware"
	TypeReportStatus    = "report_status"
	TypeError           = "error"

	// ServerPeer is the "to" field of every device envelope.
	ServerPeer = "ota_server"
)

// Server endpoints relative to the server URL.
const (
	PathCheck    = "api/ota/check"
	PathInfo     = "api/ota/info"
	PathRequest  = "api/ota/request"
	PathStatus   = "api/ota/status"
	PathFirmware = "firmware/"
)

// Header is the common part of every envelope.
type Header struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp string `json:"timestamp"`
}

// StatusReport is the payload of a report_status envelope.
type StatusReport struct {
	Status         Status `json:"status"`
	Progress       uint8  `json:"progress"`
	CurrentVersion string `json:"current_version"`
}

type checkUpdateRequest struct {
	Header
	CurrentVersion string `json:"current_version"`
}

type firmwareRequest struct {
	Name          string `json:"name"`
	TargetVersion string `json:"target_version"`
	MD5           string `json:"md5"`
}

type requestFirmwareRequest struct {
	Header
	Data firmwareRequest `json:"data"`
}

type reportStatusRequest struct {
	Header
	Data StatusReport `json:"data"`
}

// Codec builds device envelopes and parses server replies.
type Codec struct {
	deviceID string
	clock    Clock
}

func NewCodec(deviceID string, clock Clock) *Codec {
	return &Codec{deviceID: deviceID, clock: clock}
}

func (c *Codec) header(msgType string) Header {
	return Header{
		Type:      msgType,
		From:      c.deviceID,
		To:        ServerPeer,
		Timestamp: c.clock.Timestamp(),
	}
}

// CheckUpdate builds a check_update request.
func (c *Codec) CheckUpdate(currentVersion string) ([]byte, error) {
	return json.Marshal(checkUpdateRequest{
		Header:         c.header(TypeCheckUpdate),
		CurrentVersion: currentVersion,
	})
}

// GetFirmwareInfo builds a get_firmware_info request.
func (c *Codec) GetFirmwareInfo() ([]byte, error) {
	return json.Marshal(c.header(TypeGetFirmwareInfo))
}

// RequestFirmware builds a request_firmware request announcing the image
// the device is about to download.
func (c *Codec) RequestFirmware(info FirmwareInfo) ([]byte, error) {
	return json.Marshal(requestFirmwareRequest{
		Header: c.header(TypeRequestFirmware),
		Data: firmwareRequest{
			Name:          info.Name,
			TargetVersion: info.Version,
			MD5:           info.MD5,
		},
	})
}

// ReportStatus builds a report_status request.
func (c *Codec) ReportStatus(status Status, progress uint8, currentVersion string) ([]byte, error) {
	if progress > 100 {
		progress = 100
	}
	return json.Marshal(reportStatusRequest{
		Header: c.header(TypeReportStatus),
		Data: StatusReport{
			Status:         status,
			Progress:       progress,
			CurrentVersion: currentVersion,
		},
	})
}

// Envelope is a decoded envelope of any type.
type Envelope struct {
	Header
	CurrentVersion string          `json:"current_version,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope decodes the header and raw payload of any envelope.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.Wrap(ErrMalformedResponse, err.Error())
	}
	if env.Type == "" {
		return nil, errors.Wrap(ErrMalformedResponse, "missing type")
	}
	return &env, nil
}

// StatusReport decodes the payload of a report_status envelope.
func (e *Envelope) StatusReport() (*StatusReport, error) {
	if e.Type != TypeReportStatus {
		return nil, errors.Wrapf(ErrMalformedResponse, "envelope type %q is not %s", e.Type, TypeReportStatus)
	}
	var wire struct {
		Status         *Status `json:"status"`
		Progress       *uint8  `json:"progress"`
		CurrentVersion *string `json:"current_version"`
	}
	if len(e.Data) == 0 {
		return nil, errors.Wrap(ErrMalformedResponse, "missing data")
	}
	if err := json.Unmarshal(e.Data, &wire); err != nil {
		return nil, errors.Wrap(ErrMalformedResponse, err.Error())
	}
	if wire.Status == nil || wire.Progress == nil || wire.CurrentVersion == nil {
		return nil, errors.Wrap(ErrMalformedResponse, "incomplete status report")
	}
	return &StatusReport{
		Status:         *wire.Status,
		Progress:       *wire.Progress,
		CurrentVersion: *wire.CurrentVersion,
	}, nil
}

type errorDetail struct {
	Code    *int    `json:"code"`
	Message *string `json:"message"`
}

// ParseError returns the server error carried by body, or nil when body is
// not an error envelope. The detail object may sit under "data" or "error".
func ParseError(body []byte) *ServerError {
	var env struct {
		Type  string          `json:"type"`
		Data  json.RawMessage `json:"data"`
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Type != TypeError {
		return nil
	}

	se := &ServerError{Message: "unspecified server error"}
	for _, raw := range []json.RawMessage{env.Data, env.Error} {
		if len(raw) == 0 {
			continue
		}
		var d errorDetail
		if err := json.Unmarshal(raw, &d); err != nil {
			continue
		}
		if d.Code != nil {
			se.Code = *d.Code
		}
		if d.Message != nil {
			se.Message = *d.Message
		}
		break
	}
	return se
}

// CheckResult is the server's answer to check_update.
type CheckResult struct {
	Respond     int    `json:"respond"`
	DownloadURL string `json:"download_url,omitempty"`
}

// Available reports whether the server offers an update. Respond values 1
// and 2 both mean an update is available.
func (r CheckResult) Available() bool {
	return r.Respond == 1 || r.Respond == 2
}

// Forced reports whether the server flagged the update with respond 2.
func (r CheckResult) Forced() bool {
	return r.Respond == 2
}

func expectType(got string, accepted ...string) error {
	if got == "" {
		return nil
	}
	for _, a := range accepted {
		if got == a {
			return nil
		}
	}
	return errors.Wrapf(ErrMalformedResponse, "unexpected envelope type %q", got)
}

// ParseCheckUpdate decodes a check_update reply.
func ParseCheckUpdate(body []byte) (*CheckResult, error) {
	if se := ParseError(body); se != nil {
		return nil, se
	}

	var wire struct {
		Type        string  `json:"type"`
		Respond     *int    `json:"respond"`
		DownloadURL *string `json:"download_url"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, errors.Wrap(ErrMalformedResponse, err.Error())
	}
	if err := expectType(wire.Type, TypeReplyUpdate, TypeCheckUpdate); err != nil {
		return nil, err
	}
	if wire.Respond == nil {
		return nil, errors.Wrap(ErrMalformedResponse, "missing respond")
	}

	result := &CheckResult{Respond: *wire.Respond}
	if wire.DownloadURL != nil {
		result.DownloadURL = *wire.DownloadURL
	}
	return result, nil
}

// ParseFirmwareInfo decodes a get_firmware_info reply. Either the complete
// FirmwareInfo is returned or an error, never a partial value.
func ParseFirmwareInfo(body []byte) (FirmwareInfo, error) {
	if se := ParseError(body); se != nil {
		return FirmwareInfo{}, se
	}

	var wire struct {
		Type string `json:"type"`
		File *struct {
			Version *string `json:"version"`
			Name    *string `json:"name"`
			Size    *uint64 `json:"size"`
			Info    *string `json:"info"`
			MD5     *string `json:"md5"`
			Time    *string `json:"time"`
		} `json:"file"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return FirmwareInfo{}, errors.Wrap(ErrMalformedResponse, err.Error())
	}
	if err := expectType(wire.Type, TypeFirmwareInfo, TypeGetFirmwareInfo); err != nil {
		return FirmwareInfo{}, err
	}
	f := wire.File
	if f == nil {
		return FirmwareInfo{}, errors.Wrap(ErrMalformedResponse, "missing file")
	}
	if f.Version == nil || f.Name == nil || *f.Name == "" || f.MD5 == nil || *f.MD5 == "" {
		return FirmwareInfo{}, errors.Wrap(ErrMalformedResponse, "incomplete firmware info")
	}

	info := FirmwareInfo{
		Version: *f.Version,
		Name:    *f.Name,
		MD5:     *f.MD5,
	}
	if f.Size != nil {
		info.Size = *f.Size
	}
	if f.Info != nil {
		info.Info = *f.Info
	}
	if f.Time != nil {
		info.Time = *f.Time
	}
	return info, nil
}

// BuildURL joins the server URL and an endpoint path with exactly one slash.
func BuildURL(serverURL, path string) string {
	if !strings.HasSuffix(serverURL, "/") {
		serverURL += "/"
	}
	return serverURL + strings.TrimPrefix(path, "/")
}

package ota

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestReportStatusRoundTrip(t *testing.T) {
	codec := NewCodec("robot-001", fixedClock("2024-01-01T00:00:00Z"))

	body, err := codec.ReportStatus(StatusDownloading, 42, "1.2.3")
	if err != nil {
		t.Fatal(err)
	}

	env, err := ParseEnvelope(body)
	if err != nil {
		t.Fatalf("Failed to parse envelope: %v", err)
	}
	if env.Type != TypeReportStatus || env.From != "robot-001" || env.To != ServerPeer {
		t.Errorf("Unexpected header: %+v", env.Header)
	}
	if env.Timestamp != "2024-01-01T00:00:00Z" {
		t.Errorf("Expected clock timestamp, got %s", env.Timestamp)
	}

	report, err := env.StatusReport()
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != StatusDownloading || report.Progress != 42 || report.CurrentVersion != "1.2.3" {
		t.Errorf("Round trip mismatch: %+v", report)
	}
}

func TestReportStatusClampsProgress(t *testing.T) {
	codec := NewCodec("robot-001", fixedClock("2024-01-01T00:00:00Z"))

	body, err := codec.ReportStatus(StatusVerifying, 250, "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	env, err := ParseEnvelope(body)
	if err != nil {
		t.Fatal(err)
	}
	report, err := env.StatusReport()
	if err != nil {
		t.Fatal(err)
	}
	if report.Progress != 100 {
		t.Errorf("Expected progress clamped to 100, got %d", report.Progress)
	}
}

func TestRequestEnvelopes(t *testing.T) {
	codec := NewCodec("robot-001", fixedClock("2024-01-01T00:00:00Z"))

	t.Run("CheckUpdate", func(t *testing.T) {
		body, err := codec.CheckUpdate("1.0.0")
		if err != nil {
			t.Fatal(err)
		}
		var msg map[string]interface{}
		if err := json.Unmarshal(body, &msg); err != nil {
			t.Fatal(err)
		}
		if msg["type"] != TypeCheckUpdate || msg["current_version"] != "1.0.0" {
			t.Errorf("Unexpected check_update envelope: %s", body)
		}
	})

	t.Run("GetFirmwareInfo", func(t *testing.T) {
		body, err := codec.GetFirmwareInfo()
		if err != nil {
			t.Fatal(err)
		}
		var msg map[string]interface{}
		if err := json.Unmarshal(body, &msg); err != nil {
			t.Fatal(err)
		}
		if msg["type"] != TypeGetFirmwareInfo || len(msg) != 4 {
			t.Errorf("Expected header-only envelope, got %s", body)
		}
	})

	t.Run("RequestFirmware", func(t *testing.T) {
		body, err := codec.RequestFirmware(FirmwareInfo{Version: "2.0.0", Name: "fw.bin", MD5: "abc"})
		if err != nil {
			t.Fatal(err)
		}
		var msg struct {
			Type string `json:"type"`
			Data struct {
				Name          string `json:"name"`
				TargetVersion string `json:"target_version"`
				MD5           string `json:"md5"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Type != TypeRequestFirmware || msg.Data.Name != "fw.bin" || msg.Data.TargetVersion != "2.0.0" || msg.Data.MD5 != "abc" {
			t.Errorf("Unexpected request_firmware envelope: %s", body)
		}
	})
}

func TestParseCheckUpdate(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		available bool
		forced    bool
		url       string
		wantErr   error
	}{
		{name: "NoUpdate", body: `{"respond":0}`},
		{name: "Available", body: `{"respond":1,"download_url":"http://x/fw.bin"}`, available: true, url: "http://x/fw.bin"},
		{name: "Forced", body: `{"type":"reply_update","respond":2}`, available: true, forced: true},
		{name: "UnknownRespond", body: `{"respond":7}`},
		{name: "MissingRespond", body: `{"download_url":"http://x"}`, wantErr: ErrMalformedResponse},
		{name: "WrongRespondType", body: `{"respond":"1"}`, wantErr: ErrMalformedResponse},
		{name: "WrongEnvelopeType", body: `{"type":"firmware_info","respond":1}`, wantErr: ErrMalformedResponse},
		{name: "InvalidJSON", body: `{"respond":`, wantErr: ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseCheckUpdate([]byte(tt.body))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				if result != nil {
					t.Errorf("Expected no result on failure, got %+v", result)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if result.Available() != tt.available || result.Forced() != tt.forced || result.DownloadURL != tt.url {
				t.Errorf("Unexpected result %+v", result)
			}
		})
	}
}

func TestParseFirmwareInfo(t *testing.T) {
	t.Run("Complete", func(t *testing.T) {
		body := `{"file":{"version":"2.0.0","name":"fw.bin","size":1000,"info":"x","md5":"deadbeef","time":"2024-01-01T00:00:00Z"}}`
		info, err := ParseFirmwareInfo([]byte(body))
		if err != nil {
			t.Fatal(err)
		}
		want := FirmwareInfo{
			Version: "2.0.0",
			Name:    "fw.bin",
			Size:    1000,
			Info:    "x",
			MD5:     "deadbeef",
			Time:    "2024-01-01T00:00:00Z",
		}
		if info != want {
			t.Errorf("Expected %+v, got %+v", want, info)
		}
	})

	t.Run("OptionalFields", func(t *testing.T) {
		body := `{"type":"firmware_info","file":{"version":"2.0.0","name":"fw.bin","md5":"deadbeef"}}`
		info, err := ParseFirmwareInfo([]byte(body))
		if err != nil {
			t.Fatal(err)
		}
		if info.Size != 0 || info.Info != "" || info.Time != "" {
			t.Errorf("Expected zero optional fields, got %+v", info)
		}
	})

	rejected := map[string]string{
		"MissingFile":    `{"type":"firmware_info"}`,
		"MissingMD5":     `{"file":{"version":"2.0.0","name":"fw.bin","size":1}}`,
		"EmptyName":      `{"file":{"version":"2.0.0","name":"","md5":"aa"}}`,
		"NegativeSize":   `{"file":{"version":"2.0.0","name":"fw.bin","md5":"aa","size":-1}}`,
		"FileNotObject":  `{"file":"fw.bin"}`,
		"WrongType":      `{"type":"reply_update","file":{"version":"2.0.0","name":"fw.bin","md5":"aa"}}`,
		"TruncatedJSON":  `{"file":{"version":"2.0.0"`,
		"VersionNotText": `{"file":{"version":2,"name":"fw.bin","md5":"aa"}}`,
	}
	for name, body := range rejected {
		t.Run(name, func(t *testing.T) {
			info, err := ParseFirmwareInfo([]byte(body))
			if !errors.Is(err, ErrMalformedResponse) {
				t.Fatalf("Expected malformed response error, got %v", err)
			}
			if info != (FirmwareInfo{}) {
				t.Errorf("Expected zero FirmwareInfo on failure, got %+v", info)
			}
		})
	}
}

func TestParseError(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		code    int
		message string
	}{
		{name: "DataObject", body: `{"type":"error","data":{"code":1000,"message":"Invalid JSON"}}`, code: 1000, message: "Invalid JSON"},
		{name: "ErrorObject", body: `{"type":"error","error":{"code":1001,"message":"Unknown type"}}`, code: 1001, message: "Unknown type"},
		{name: "NoDetail", body: `{"type":"error"}`, message: "unspecified server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := ParseError([]byte(tt.body))
			if se == nil {
				t.Fatal("Expected server error")
			}
			if se.Code != tt.code || se.Message != tt.message {
				t.Errorf("Expected %d/%q, got %d/%q", tt.code, tt.message, se.Code, se.Message)
			}
		})
	}

	if se := ParseError([]byte(`{"respond":0}`)); se != nil {
		t.Errorf("Expected no server error for regular reply, got %v", se)
	}

	_, err := ParseCheckUpdate([]byte(`{"type":"error","data":{"code":1000,"message":"bad"}}`))
	se, ok := IsServerError(err)
	if !ok || se.Code != 1000 {
		t.Errorf("Expected server error from check parse, got %v", err)
	}
	if errors.Is(err, ErrMalformedResponse) {
		t.Error("Server error must not be reported as malformed response")
	}
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		server string
		path   string
		want   string
	}{
		{"http://host:8080", PathCheck, "http://host:8080/api/ota/check"},
		{"http://host:8080/", PathCheck, "http://host:8080/api/ota/check"},
		{"http://host:8080/", "/firmware/fw.bin", "http://host:8080/firmware/fw.bin"},
		{"http://host/base", PathFirmware + "fw.bin", "http://host/base/firmware/fw.bin"},
	}

	for _, tt := range tests {
		if got := BuildURL(tt.server, tt.path); got != tt.want {
			t.Errorf("BuildURL(%q, %q) = %q, want %q", tt.server, tt.path, got, tt.want)
		}
	}
}

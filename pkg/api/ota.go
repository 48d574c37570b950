package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/iot-ota-sdk/pkg/ota"
	"github.com/pkg/errors"
)

type postCheckResponse struct {
	Available   bool   `json:"available"`
	Forced      bool   `json:"forced"`
	Respond     int    `json:"respond"`
	DownloadURL string `json:"download_url,omitempty"`
}

type postUpdateResponse struct {
	Id string `json:"id"`
}

type deleteUpdateResponse struct {
	Cancelled bool `json:"cancelled"`
}

func (a *Api) handleGetStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.jsonResponse(w, a.controller.Snapshot(), http.StatusOK)
	}
}

func (a *Api) handlePostCheck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := a.controller.Check(r.Context())
		if err != nil {
			a.jsonError(w, err.Error(), statusFor(err))
			return
		}

		a.jsonResponse(w, &postCheckResponse{
			Available:   result.Available(),
			Forced:      result.Forced(),
			Respond:     result.Respond,
			DownloadURL: result.DownloadURL,
		}, http.StatusOK)
	}
}

// handlePostUpdate starts an update. An empty body installs the firmware
// currently offered by the server.
func (a *Api) handlePostUpdate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var info *ota.FirmwareInfo

		body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
		if err != nil {
			a.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(body) > 0 {
			info = &ota.FirmwareInfo{}
			if err := json.Unmarshal(body, info); err != nil {
				a.jsonError(w, err.Error(), http.StatusBadRequest)
				return
			}
			if info.Version == "" || info.Name == "" || info.MD5 == "" {
				a.jsonError(w, "version, name and md5 are required", http.StatusBadRequest)
				return
			}
		}

		id, err := a.controller.Update(r.Context(), info)
		if err != nil {
			a.jsonError(w, err.Error(), statusFor(err))
			return
		}

		a.jsonResponse(w, &postUpdateResponse{Id: id}, http.StatusAccepted)
	}
}

func (a *Api) handleDeleteUpdate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.controller.Cancel() {
			a.jsonError(w, ota.ErrNotInProgress.Error(), http.StatusConflict)
			return
		}
		a.jsonResponse(w, &deleteUpdateResponse{Cancelled: true}, http.StatusOK)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ota.ErrUpdateInProgress), errors.Is(err, ota.ErrCheckInProgress):
		return http.StatusConflict
	case ota.ServerReached(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

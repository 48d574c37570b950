// Package api exposes the OTA agent on a local HTTP interface.
package api

import (
	"context"
	"net"
	"net/http"

	"github.com/go-errors/errors"
	"github.com/gorilla/mux"
	"github.com/iot-ota-sdk/pkg/agent"
	"github.com/iot-ota-sdk/pkg/ota"
	"github.com/iot-ota-sdk/pkg/telemetry"
	"github.com/sirupsen/logrus"
)

// Controller is the part of the agent served by the API.
type Controller interface {
	Snapshot() agent.State
	Check(ctx context.Context) (ota.CheckResult, error)
	Update(ctx context.Context, info *ota.FirmwareInfo) (string, error)
	Cancel() bool
}

type Config struct {
	Controller Controller
	Bus        *telemetry.Bus
	Log        logrus.FieldLogger
}

type Api struct {
	controller Controller
	bus        *telemetry.Bus
	router     *mux.Router
	log        logrus.FieldLogger
}

func New(config *Config) *Api {
	api := &Api{
		controller: config.Controller,
		bus:        config.Bus,
		router:     mux.NewRouter(),
		log:        config.Log,
	}
	if api.log == nil {
		api.log = logrus.StandardLogger().WithField("system", "api")
	}

	api.router.Handle("/api/v1/ota", api.handleGetStatus()).Methods(http.MethodGet)
	api.router.Handle("/api/v1/ota/check", api.handlePostCheck()).Methods(http.MethodPost)
	api.router.Handle("/api/v1/ota/updates", api.handlePostUpdate()).Methods(http.MethodPost)
	api.router.Handle("/api/v1/ota/updates/current", api.handleDeleteUpdate()).Methods(http.MethodDelete)
	api.router.Handle("/api/v1/ota/events", api.handleGetEvents()).Methods(http.MethodGet)

	return api
}

func (a *Api) Handler() http.Handler {
	return a.router
}

func (a *Api) Serve(l net.Listener) error {
	err := http.Serve(l, a.router)
	if err != nil {
		return errors.Errorf("Unable to serve api: %v", err)
	}

	return nil
}

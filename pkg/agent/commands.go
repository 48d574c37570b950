package agent

import (
	"context"
	"encoding/json"

	"github.com/iot-ota-sdk/pkg/rrpc"
	"github.com/pkg/errors"
)

// Remote command methods.
const (
	MethodCheck  = "ota.check"
	MethodCancel = "ota.cancel"
	MethodStatus = "ota.status"
)

type checkParams struct {
	// Update starts the download when the check finds a new firmware.
	Update bool `json:"update"`
}

type checkReply struct {
	Available bool   `json:"available"`
	Forced    bool   `json:"forced"`
	UpdateID  string `json:"update_id,omitempty"`
}

// RegisterCommands installs the OTA command handlers on an rrpc server.
func (a *Agent) RegisterCommands(server *rrpc.Server) {
	server.RegisterHandler(MethodCheck, a.handleCheck)
	server.RegisterHandler(MethodCancel, a.handleCancel)
	server.RegisterHandler(MethodStatus, a.handleStatus)
}

func (a *Agent) handleCheck(requestID string, params json.RawMessage) (interface{}, error) {
	var p checkParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, errors.Wrap(err, "invalid params")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.CheckTimeout+a.cfg.InfoTimeout)
	defer cancel()

	result, err := a.Check(ctx)
	if err != nil {
		return nil, err
	}
	reply := checkReply{Available: result.Available(), Forced: result.Forced()}
	if p.Update && reply.Available {
		id, err := a.Update(ctx, nil)
		if err != nil {
			return nil, err
		}
		reply.UpdateID = id
	}
	return reply, nil
}

func (a *Agent) handleCancel(requestID string, params json.RawMessage) (interface{}, error) {
	if !a.Cancel() {
		return nil, errors.New("no update in progress")
	}
	return map[string]bool{"cancelled": true}, nil
}

func (a *Agent) handleStatus(requestID string, params json.RawMessage) (interface{}, error) {
	return a.Snapshot(), nil
}

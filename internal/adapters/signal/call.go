package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Tether/internal/core"
	"github.com/dkeye/Tether/internal/domain"
)

type callInitiateReq struct {
	ToUserID domain.UserID   `json:"toUserId"`
	CallType domain.CallType `json:"callType"`
}

type callReq struct {
	CallID string `json:"callId"`
}

type callSignalReq struct {
	CallID  string          `json:"callId"`
	Payload json.RawMessage `json:"payload"`
}

type callStatusResp struct {
	InCall bool                `json:"inCall"`
	Call   *domain.CallSession `json:"call,omitempty"`
}

func (ctl *SignalWSController) callRoutes() map[string]handlerFunc {
	return map[string]handlerFunc{
		"call-initiate": ctl.handleCallInitiate,
		"call-accept":   ctl.callTransition(ctl.Orch.Calls.Accept),
		"call-reject":   ctl.callTransition(ctl.Orch.Calls.Reject),
		"call-end":      ctl.callTransition(ctl.Orch.Calls.End),
		"call-signal":   ctl.handleCallSignal,
		"call-status":   ctl.handleCallStatus,
	}
}

func (ctl *SignalWSController) handleCallInitiate(ctx context.Context, conn *core.Connection, data json.RawMessage) (any, error) {
	req, err := decode[callInitiateReq](data)
	if err != nil {
		return nil, err
	}
	return ctl.Orch.Calls.Initiate(ctx, conn.UserID, req.ToUserID, req.CallType)
}

// callTransition adapts accept, reject and end, which share a shape.
func (ctl *SignalWSController) callTransition(fn func(domain.UserID, string) (domain.CallSession, error)) handlerFunc {
	return func(_ context.Context, conn *core.Connection, data json.RawMessage) (any, error) {
		req, err := decode[callReq](data)
		if err != nil {
			return nil, err
		}
		return fn(conn.UserID, req.CallID)
	}
}

func (ctl *SignalWSController) handleCallSignal(_ context.Context, conn *core.Connection, data json.RawMessage) (any, error) {
	req, err := decode[callSignalReq](data)
	if err != nil {
		return nil, err
	}
	return nil, ctl.Orch.Calls.Signal(conn.UserID, req.CallID, req.Payload)
}

func (ctl *SignalWSController) handleCallStatus(_ context.Context, conn *core.Connection, _ json.RawMessage) (any, error) {
	s, ok := ctl.Orch.Calls.Status(conn.UserID)
	if !ok {
		return callStatusResp{}, nil
	}
	return callStatusResp{InCall: true, Call: &s}, nil
}

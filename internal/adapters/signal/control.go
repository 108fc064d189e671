package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Tether/internal/core"
	"github.com/rs/zerolog/log"
)

// envelope is one client command. ID is optional; when set the reply is an
// ack carrying the same id.
type envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ack struct {
	Type   string      `json:"type"`
	ID     string      `json:"id"`
	Status string      `json:"status"`
	Data   any         `json:"data,omitempty"`
	Reason core.Reason `json:"reason,omitempty"`
	Error  string      `json:"error,omitempty"`
}

type errorEvent struct {
	Command string      `json:"command,omitempty"`
	Reason  core.Reason `json:"reason"`
	Message string      `json:"message"`
}

// handlerFunc runs one command. A nil result with a nil error acks with no
// data.
type handlerFunc func(ctx context.Context, conn *core.Connection, data json.RawMessage) (any, error)

func (ctl *SignalWSController) routes() map[string]handlerFunc {
	h := map[string]handlerFunc{
		"ping":   ctl.handlePing,
		"whoami": ctl.handleWhoami,
	}
	for name, fn := range ctl.chatRoutes() {
		h[name] = fn
	}
	for name, fn := range ctl.mediaRoutes() {
		h[name] = fn
	}
	for name, fn := range ctl.callRoutes() {
		h[name] = fn
	}
	return h
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, conn *core.Connection, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		ctl.reply(conn, envelope{}, nil, core.Invalid(core.ReasonInvalidPayload, "malformed command"))
		return
	}
	h, ok := ctl.handlers[env.Type]
	if !ok {
		log.Debug().Str("module", "signal").Str("type", env.Type).Msg("unknown command")
		ctl.reply(conn, env, nil, core.Invalid(core.ReasonUnknownCommand, "unknown command "+env.Type))
		return
	}
	res, err := h(ctx, conn, env.Data)
	if err != nil && core.KindOf(err) == core.KindInternal {
		log.Error().Err(err).Str("module", "signal").Str("type", env.Type).Str("conn", string(conn.ID)).Msg("command failed")
	}
	ctl.reply(conn, env, res, err)
}

// reply answers a command. Commands with an id get an ack either way.
// Without one, failures surface as an error event and results as a
// "<type>-result" event.
func (ctl *SignalWSController) reply(conn *core.Connection, env envelope, res any, err error) {
	var out any
	switch {
	case env.ID != "" && err != nil:
		reason, msg := core.ReasonOf(err)
		out = ack{Type: "ack", ID: env.ID, Status: "error", Reason: reason, Error: msg}
	case env.ID != "":
		out = ack{Type: "ack", ID: env.ID, Status: "ok", Data: res}
	case err != nil:
		reason, msg := core.ReasonOf(err)
		out = core.Event{Type: "error", Data: errorEvent{Command: env.Type, Reason: reason, Message: msg}}
	case res != nil:
		out = core.Event{Type: env.Type + "-result", Data: res}
	default:
		return
	}
	ctl.sendJSON(conn, out)
}

func (ctl *SignalWSController) sendJSON(conn *core.Connection, v any) {
	f, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode reply")
		return
	}
	if err := conn.Send(f); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(conn.ID)).Msg("reply dropped")
	}
}

// decode unmarshals the command body into T. An absent body leaves T zero.
func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, core.Invalid(core.ReasonInvalidPayload, "malformed command data")
	}
	return v, nil
}

func (ctl *SignalWSController) handlePing(_ context.Context, conn *core.Connection, _ json.RawMessage) (any, error) {
	ctl.sendJSON(conn, core.Event{Type: "pong"})
	return nil, nil
}

type whoamiResp struct {
	UserID   string `json:"userId"`
	ConnID   string `json:"connId"`
	DeviceID string `json:"deviceId,omitempty"`
}

func (ctl *SignalWSController) handleWhoami(_ context.Context, conn *core.Connection, _ json.RawMessage) (any, error) {
	return whoamiResp{UserID: string(conn.UserID), ConnID: string(conn.ID), DeviceID: conn.DeviceID}, nil
}

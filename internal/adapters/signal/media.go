package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Tether/internal/core"
	"github.com/dkeye/Tether/internal/domain"
)

type roomReq struct {
	RoomID domain.RoomID `json:"roomId"`
}

type connectTransportReq struct {
	TransportID string `json:"transportId"`
	core.ConnectParams
}

type produceReq struct {
	RoomID        domain.RoomID      `json:"roomId"`
	TransportID   string             `json:"transportId"`
	Kind          core.MediaKind     `json:"kind"`
	RTPParameters core.RTPParameters `json:"rtpParameters"`
}

type consumeReq struct {
	RoomID          domain.RoomID        `json:"roomId"`
	ProducerID      string               `json:"producerId"`
	TransportID     string               `json:"transportId"`
	RTPCapabilities core.RTPCapabilities `json:"rtpCapabilities"`
}

type leaveRoomReq struct {
	RoomID      domain.RoomID `json:"roomId"`
	ProducerIDs []string      `json:"producerIds"`
}

type roomMessageReq struct {
	RoomID domain.RoomID `json:"roomId"`
	Text   string        `json:"text"`
}

func (ctl *SignalWSController) mediaRoutes() map[string]handlerFunc {
	return map[string]handlerFunc{
		"join-room":         ctl.handleJoinRoom,
		"create-transport":  ctl.handleCreateTransport,
		"connect-transport": ctl.handleConnectTransport,
		"produce":           ctl.handleProduce,
		"consume":           ctl.handleConsume,
		"leave-room":        ctl.handleLeaveRoom,
		"room-message":      ctl.handleRoomMessage,
	}
}

func (ctl *SignalWSController) handleJoinRoom(ctx context.Context, conn *core.Connection, data json.RawMessage) (any, error) {
	req, err := decode[roomReq](data)
	if err != nil {
		return nil, err
	}
	return ctl.Orch.Media.JoinRoom(ctx, conn, req.RoomID)
}

func (ctl *SignalWSController) handleCreateTransport(ctx context.Context, conn *core.Connection, data json.RawMessage) (any, error) {
	req, err := decode[roomReq](data)
	if err != nil {
		return nil, err
	}
	return ctl.Orch.Media.CreateTransport(ctx, conn, req.RoomID)
}

func (ctl *SignalWSController) handleConnectTransport(ctx context.Context, conn *core.Connection, data json.RawMessage) (any, error) {
	req, err := decode[connectTransportReq](data)
	if err != nil {
		return nil, err
	}
	return nil, ctl.Orch.Media.ConnectTransport(ctx, conn, req.TransportID, req.ConnectParams)
}

func (ctl *SignalWSController) handleProduce(ctx context.Context, conn *core.Connection, data json.RawMessage) (any, error) {
	req, err := decode[produceReq](data)
	if err != nil {
		return nil, err
	}
	id, err := ctl.Orch.Media.Produce(ctx, conn, req.RoomID, req.TransportID, req.Kind, req.RTPParameters)
	if err != nil {
		return nil, err
	}
	return map[string]string{"producerId": id}, nil
}

func (ctl *SignalWSController) handleConsume(ctx context.Context, conn *core.Connection, data json.RawMessage) (any, error) {
	req, err := decode[consumeReq](data)
	if err != nil {
		return nil, err
	}
	return ctl.Orch.Media.Consume(ctx, conn, req.RoomID, req.ProducerID, req.TransportID, req.RTPCapabilities)
}

func (ctl *SignalWSController) handleLeaveRoom(_ context.Context, conn *core.Connection, data json.RawMessage) (any, error) {
	req, err := decode[leaveRoomReq](data)
	if err != nil {
		return nil, err
	}
	return nil, ctl.Orch.Media.LeaveRoom(conn, req.RoomID, req.ProducerIDs)
}

func (ctl *SignalWSController) handleRoomMessage(_ context.Context, conn *core.Connection, data json.RawMessage) (any, error) {
	req, err := decode[roomMessageReq](data)
	if err != nil {
		return nil, err
	}
	return nil, ctl.Orch.Media.RoomMessage(conn, req.RoomID, req.Text)
}

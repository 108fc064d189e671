package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Tether/internal/core"
	"github.com/dkeye/Tether/internal/domain"
)

type targetReq struct {
	TargetUserID domain.UserID `json:"targetUserId"`
}

type chatReq struct {
	ChatID string `json:"chatId"`
}

type messageReq struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Text      string `json:"text,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
}

type sendMessageReq struct {
	TargetUserID domain.UserID `json:"targetUserId"`
	ChatID       string        `json:"chatId"`
	domain.Payload
}

type createGroupReq struct {
	Name      string          `json:"name"`
	Photo     string          `json:"photo"`
	MemberIDs []domain.UserID `json:"memberIds"`
}

type roomResp struct {
	RoomID domain.RoomID `json:"roomId"`
}

func (ctl *SignalWSController) chatRoutes() map[string]handlerFunc {
	return map[string]handlerFunc{
		"join-conversation":           ctl.handleJoinConversation,
		"leave-conversation":          ctl.handleLeaveConversation,
		"join-chat":                   ctl.handleJoinChat,
		"send-message":                ctl.handleSendMessage,
		"send-group-message":          ctl.handleSendGroupMessage,
		"mark-read":                   ctl.handleMarkRead,
		"edit-message":                ctl.handleEditMessage,
		"delete-message-for-me":       ctl.handleDeleteForMe,
		"delete-message-for-everyone": ctl.handleDeleteForEveryone,
		"react-message":               ctl.handleReact,
		"pin-message":                 ctl.handlePin,
		"unpin-message":               ctl.handleUnpin,
		"create-group":                ctl.handleCreateGroup,
		"get-presence":                ctl.handleGetPresence,
	}
}

func (ctl *SignalWSController) handleJoinConversation(ctx context.Context, conn *core.Connection, data json.RawMessage) (any, error) {
	req, err := decode[targetReq](data)
	if err != nil {
		return nil, err
	}
	room, err := ctl.Orch.Messaging.JoinConversation(ctx, conn, req.TargetUserID)
	if err != nil {
		return nil, err
	}
	return roomResp{RoomID: room}, nil
}

func (ctl *SignalWSController) handleLeaveConversation(_ context.Context, conn *core.Connection, data json.RawMessage) (any, error) {
	req, err := decode[targetReq](data)
	if err != nil {
		return nil, err
	}
	return roomResp{RoomID: ctl.Orch.Messaging.LeaveConversation(conn, req.TargetUserID)}, nil
}

func (ctl *SignalWSController) handleJoinChat(ctx context.Context, conn *core.Connection, data json.RawMessage) (any, error) {
	req, err := decode[chatReq](data)
	if err != nil {
		return nil, err
	}
	room, err := ctl.Orch.Messaging.JoinChat(ctx, conn, req.ChatID)
	if err != nil {
		return nil, err
	}
	return roomResp{RoomID: room}, nil
}

func (ctl *SignalWSController) handleSendMessage(ctx context.Context, conn *core.Connection, data json.RawMessage) (any, error) {
	req, err := decode[sendMessageReq](data)
	if err != nil {
		return nil, err
	}
	return ctl.Orch.Messaging.SendMessage(ctx, conn.UserID, req.TargetUserID, req.Payload)
}

func (ctl *SignalWSController) handleSendGroupMessage(ctx context.Context, conn *core.Connection, data json.RawMessage) (any, error) {
	req, err := decode[sendMessageReq](data)
	if err != nil {
		return nil, err
	}
	return ctl.Orch.Messaging.SendToChat(ctx, conn.UserID, req.ChatID, req.Payload)
}

func (ctl *SignalWSController) handleMarkRead(ctx context.Context, conn *core.Connection, data json.RawMessage) (any, error) {
	req, err := decode[targetReq](data)
	if err != nil {
		return nil, err
	}
	return ctl.Orch.Messaging.MarkRead(ctx, conn.UserID, req.TargetUserID)
}

func (ctl *SignalWSController) handleEditMessage(ctx context.Context, conn *core.Connection, data json.RawMessage) (any, error) {
	req, err := decode[messageReq](data)
	if err != nil {
		return nil, err
	}
	return ctl.Orch.Messaging.EditMessage(ctx, conn.UserID, req.ChatID, req.MessageID, req.Text)
}

func (ctl *SignalWSController) handleDeleteForMe(ctx context.Context, conn *core.Connection, data json.RawMessage) (any, error) {
	req, err := decode[messageReq](data)
	if err != nil {
		return nil, err
	}
	return nil, ctl.Orch.Messaging.DeleteForMe(ctx, conn.UserID, req.ChatID, req.MessageID)
}

func (ctl *SignalWSController) handleDeleteForEveryone(ctx context.Context, conn *core.Connection, data json.RawMessage) (any, error) {
	req, err := decode[messageReq](data)
	if err != nil {
		return nil, err
	}
	msg, err := ctl.Orch.Messaging.DeleteForEveryone(ctx, conn.UserID, req.ChatID, req.MessageID)
	if err != nil || msg == nil {
		return nil, err
	}
	return msg, nil
}

func (ctl *SignalWSController) handleReact(ctx context.Context, conn *core.Connection, data json.RawMessage) (any, error) {
	req, err := decode[messageReq](data)
	if err != nil {
		return nil, err
	}
	reactions, err := ctl.Orch.Messaging.React(ctx, conn.UserID, req.ChatID, req.MessageID, req.Emoji)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messageId": req.MessageID, "reactions": reactions}, nil
}

func (ctl *SignalWSController) handlePin(ctx context.Context, conn *core.Connection, data json.RawMessage) (any, error) {
	req, err := decode[messageReq](data)
	if err != nil {
		return nil, err
	}
	return nil, ctl.Orch.Messaging.Pin(ctx, conn.UserID, req.ChatID, req.MessageID)
}

func (ctl *SignalWSController) handleUnpin(ctx context.Context, conn *core.Connection, data json.RawMessage) (any, error) {
	req, err := decode[chatReq](data)
	if err != nil {
		return nil, err
	}
	return nil, ctl.Orch.Messaging.Unpin(ctx, conn.UserID, req.ChatID)
}

func (ctl *SignalWSController) handleCreateGroup(ctx context.Context, conn *core.Connection, data json.RawMessage) (any, error) {
	req, err := decode[createGroupReq](data)
	if err != nil {
		return nil, err
	}
	return ctl.Orch.Messaging.CreateGroup(ctx, conn.UserID, req.Name, req.Photo, req.MemberIDs)
}

type presenceReq struct {
	UserID string `json:"userId"`
}

func (ctl *SignalWSController) handleGetPresence(ctx context.Context, _ *core.Connection, data json.RawMessage) (any, error) {
	req, err := decode[presenceReq](data)
	if err != nil {
		return nil, err
	}
	u, err := domain.ParseUserID(req.UserID)
	if err != nil {
		return nil, core.Invalid(core.ReasonInvalidUserID, "invalid user id")
	}
	return ctl.Orch.Presence.GetPresence(ctx, u)
}

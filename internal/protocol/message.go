package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client message types the runtime handles itself. Everything else is
// opaque and goes to the behavior dispatcher.
const (
	TypePing         = "ping"
	TypeLoginStart   = "login_start"
	TypeLoginEnd     = "login_end"
	TypeReloginStart = "relogin_start"
	TypeReloginEnd   = "relogin_end"
	TypeLogout       = "logout"

	TypeServerMessage = "server_message"
	TypePCLogout      = "pc_logout"
)

// Server message actions.
const (
	ActionClose              = "CLOSE"
	ActionToken              = "TOKEN"
	ActionPrepareToReconnect = "PREPARE_TO_RECONNECT"
)

// CloseConnectToAnotherServer is the CLOSE message sent when a player is
// handed off to the GS owning their new location.
const CloseConnectToAnotherServer = "CONNECT_TO_ANOTHER_SERVER"

// moveEndTypes is the move-end family: all of them run the same location
// entry housekeeping after script dispatch.
var moveEndTypes = map[string]bool{
	"signpost_move_end": true,
	"follow_move_end":   true,
	"door_move_end":     true,
	"teleport_move_end": true,
}

// IsMoveEnd reports whether a message type belongs to the move-end family.
func IsMoveEnd(typ string) bool { return moveEndTypes[typ] }

// Msg is one decoded client or server message. Every message carries at
// least "type"; client requests may carry "msg_id" which replies echo.
type Msg map[string]any

// ParseMsg decodes one frame payload.
func ParseMsg(payload []byte) (Msg, error) {
	var m Msg
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	if m.Type() == "" {
		return nil, fmt.Errorf("message without type")
	}
	return m, nil
}

// Encode serializes the message for the wire.
func (m Msg) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", m.Type(), err)
	}
	return data, nil
}

// Type returns the message type, or "".
func (m Msg) Type() string {
	t, _ := m["type"].(string)
	return t
}

// MsgID returns the client-chosen request id, or 0.
func (m Msg) MsgID() (float64, bool) {
	id, ok := m["msg_id"].(float64)
	return id, ok
}

// PingReply answers a ping, echoing the msg_id.
func PingReply(req Msg) Msg {
	reply := Msg{
		"type":    TypePing,
		"success": true,
		"ts":      time.Now().Unix(),
	}
	if id, ok := req.MsgID(); ok {
		reply["msg_id"] = id
	}
	return reply
}

// Ack answers a runtime-handled request with a success envelope.
func Ack(req Msg) Msg {
	reply := Msg{
		"type":    req.Type(),
		"success": true,
	}
	if id, ok := req.MsgID(); ok {
		reply["msg_id"] = id
	}
	return reply
}

// ServerMessage builds a server_message with the given action and extras.
func ServerMessage(action string, extras map[string]any) Msg {
	m := Msg{"type": TypeServerMessage, "action": action}
	for k, v := range extras {
		m[k] = v
	}
	return m
}

// PCLogout announces a departed player to the remaining players in a
// location.
func PCLogout(tsid, label string) Msg {
	return Msg{
		"type": TypePCLogout,
		"pc":   map[string]any{"tsid": tsid, "label": label},
	}
}

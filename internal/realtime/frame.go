package realtime

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Frame types sent to clients.
const (
	FrameConnected = "connected"
	FrameEvent     = "event"
	FrameJoined    = "joined"
	FrameLeft      = "left"
	FramePong      = "pong"
	FrameError     = "error"
)

// Client message types.
const (
	MsgJoinRoom  = "join-room"
	MsgLeaveRoom = "leave-room"
	MsgPing      = "ping"
)

// Frame is a server-to-client message.
type Frame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Event     string `json:"event,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Room      string `json:"room,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ClientMessage is a client-to-server message.
type ClientMessage struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Room string `json:"room,omitempty"`
}

func encodeFrame(f Frame) ([]byte, error) {
	if f.Timestamp == "" {
		f.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(f)
}

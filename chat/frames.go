// Package chat is the websocket transport: one session per connection,
// JSON frames both ways, quota enforcement around each turn.
package chat

import (
	"encoding/json"
	"time"
)

// Client frame types.
const (
	ClientTypeMessage = "message"
	ClientTypePing    = "ping"
)

// Server frame types.
const (
	ServerTypeStart   = "start"
	ServerTypeWelcome = "welcome"
	ServerTypeMessage = "message"
	ServerTypeStop    = "stop"
	ServerTypeError   = "error"
	ServerTypePong    = "pong"
)

// ClientFrame is one JSON frame received from the client. A message
// frame carrying file_name announces a binary attachment frame next.
type ClientFrame struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

// ServerFrame is one JSON frame sent to the client.
type ServerFrame struct {
	Type        string      `json:"type"`
	ID          string      `json:"id,omitempty"`
	Data        interface{} `json:"data,omitempty"`
	MemoryCount int         `json:"memoryCount,omitempty"`
	Timestamp   int64       `json:"timestamp,omitempty"`
}

// WelcomeData is the payload of the welcome frame.
type WelcomeData struct {
	Hello string   `json:"hello,omitempty"`
	FAQ   []string `json:"faq,omitempty"`
}

func now() int64 { return time.Now().UnixMilli() }

func startFrame(id string) ServerFrame {
	return ServerFrame{Type: ServerTypeStart, ID: id, Timestamp: now()}
}

func welcomeFrame(id string, data WelcomeData) ServerFrame {
	return ServerFrame{Type: ServerTypeWelcome, ID: id, Data: data}
}

func messageFrame(id, data string) ServerFrame {
	return ServerFrame{Type: ServerTypeMessage, ID: id, Data: data, Timestamp: now()}
}

func stopFrame(id string, references interface{}, memoryCount int) ServerFrame {
	return ServerFrame{Type: ServerTypeStop, ID: id, Data: references, MemoryCount: memoryCount, Timestamp: now()}
}

func errorFrame(id, msg string) ServerFrame {
	return ServerFrame{Type: ServerTypeError, ID: id, Data: msg, Timestamp: now()}
}

func pongFrame() ServerFrame {
	return ServerFrame{Type: ServerTypePong, Timestamp: now()}
}

func unmarshalFrame(raw []byte, frame *ClientFrame) error {
	return json.Unmarshal(raw, frame)
}

func encodeFrame(f ServerFrame) []byte {
	raw, err := json.Marshal(f)
	if err != nil {
		// ServerFrame payloads are always marshalable types
		return []byte(`{"type":"error","data":"internal encoding failure"}`)
	}
	return raw
}

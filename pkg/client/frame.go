package client

import (
	"encoding/json"
	"fmt"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// Frame is the union of every frame the relay pushes. Responses carry
// Success/Message/Action, chat carries Sender/Content/Timestamp, lists carry
// Users/Count and offline delivery carries Messages.
type Frame struct {
	Type      string             `json:"type,omitempty"`
	Success   *bool              `json:"success,omitempty"`
	Message   string             `json:"message,omitempty"`
	Action    string             `json:"action,omitempty"`
	Users     []string           `json:"users,omitempty"`
	Count     int                `json:"count,omitempty"`
	Messages  []protocol.Message `json:"messages,omitempty"`
	Sender    string             `json:"sender,omitempty"`
	Content   string             `json:"content,omitempty"`
	Timestamp int64              `json:"timestamp,omitempty"`
}

// DecodeFrame parses one server frame
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", protocol.ErrMalformedFrame, err)
	}
	return f, nil
}

// IsResponse reports whether the frame answers an action request
func (f Frame) IsResponse() bool {
	return f.Success != nil
}

// Succeeded reports whether the frame is a successful response
func (f Frame) Succeeded() bool {
	return f.Success != nil && *f.Success
}

// Chat returns the frame as a chat message
func (f Frame) Chat() (protocol.Message, bool) {
	if f.Type != protocol.TypeMessage || f.IsResponse() {
		return protocol.Message{}, false
	}
	return protocol.Message{
		Type:      f.Type,
		Sender:    f.Sender,
		Content:   f.Content,
		Timestamp: f.Timestamp,
	}, true
}

package protocol

import (
	"encoding/json"
	"sort"
	"time"
)

// Client actions (the "action" field of a request)
const (
	ActionRegister            = "register"
	ActionLogin               = "login"
	ActionReconnect           = "reconnect"
	ActionAdminLogin          = "admin-login"
	ActionAdminAddUser        = "admin-add-user"
	ActionAdminDeleteUser     = "admin-delete-user"
	ActionAdminGetOnlineUsers = "admin-get-online-users"
	ActionAdminGetAllUsers    = "admin-get-all-users"
	ActionAdminChangePassword = "admin-change-password"
)

// Frame types (the "type" field)
const (
	TypeMessage         = "message"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeOfflineMessages = "offline-messages"
	TypeOnlineUsersList = "online-users-list"
	TypeAllUsersList    = "all-users-list"
)

// Message is a single chat message. It is both pushed to online peers and
// stored in offline queues, so its JSON shape is the persisted shape too.
type Message struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// NewMessage stamps a chat message with the given send time in Unix milliseconds
func NewMessage(sender, content string, at time.Time) Message {
	return Message{
		Type:      TypeMessage,
		Sender:    sender,
		Content:   content,
		Timestamp: at.UnixMilli(),
	}
}

// SameAs reports whether two messages are duplicates for queueing purposes
func (m Message) SameAs(other Message) bool {
	return m.Sender == other.Sender && m.Content == other.Content && m.Timestamp == other.Timestamp
}

// Response answers every action request
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Action  string `json:"action"`
}

// Ping is the liveness probe written by the server
type Ping struct {
	Type string `json:"type"`
}

// OfflineMessages delivers a user's whole queue in one frame
type OfflineMessages struct {
	Type     string    `json:"type"`
	Messages []Message `json:"messages"`
}

// UserList is used for both the online roster and the account list
type UserList struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
	Count int      `json:"count"`
}

// Outbound is any frame the server pushes to a client
type Outbound interface {
	// FrameType names the frame for logging and metrics
	FrameType() string
}

func (Response) FrameType() string        { return "response" }
func (Ping) FrameType() string            { return TypePing }
func (Message) FrameType() string         { return TypeMessage }
func (OfflineMessages) FrameType() string { return TypeOfflineMessages }
func (l UserList) FrameType() string      { return l.Type }

// Success builds a successful response for action
func Success(action, message string) Response {
	return Response{Success: true, Message: message, Action: action}
}

// Failure builds a failed response for action
func Failure(action, message string) Response {
	return Response{Success: false, Message: message, Action: action}
}

// NewPing returns the liveness probe frame
func NewPing() Ping {
	return Ping{Type: TypePing}
}

// NewOfflineMessages wraps a queue for delivery
func NewOfflineMessages(messages []Message) OfflineMessages {
	if messages == nil {
		messages = []Message{}
	}
	return OfflineMessages{Type: TypeOfflineMessages, Messages: messages}
}

// BatchMessages splits messages into runs whose offline-messages frame fits
// in maxBytes. A message too large on its own still gets a run of its own.
func BatchMessages(messages []Message, maxBytes int) [][]Message {
	envelope := len(`{"type":"offline-messages","messages":[]}`)

	var batches [][]Message
	start, size := 0, envelope
	for i, m := range messages {
		encoded, err := json.Marshal(m)
		n := len(encoded) + 1
		if err != nil {
			n = 0
		}
		if i > start && size+n > maxBytes {
			batches = append(batches, messages[start:i])
			start, size = i, envelope
		}
		size += n
	}
	if start < len(messages) {
		batches = append(batches, messages[start:])
	}
	return batches
}

// NewOnlineUsersList builds a sorted roster frame
func NewOnlineUsersList(users []string) UserList {
	return newUserList(TypeOnlineUsersList, users)
}

// NewAllUsersList builds a sorted account list frame
func NewAllUsersList(users []string) UserList {
	return newUserList(TypeAllUsersList, users)
}

func newUserList(kind string, users []string) UserList {
	sorted := make([]string, len(users))
	copy(sorted, users)
	sort.Strings(sorted)
	return UserList{Type: kind, Users: sorted, Count: len(sorted)}
}

// Encode marshals an outbound frame
func Encode(frame Outbound) ([]byte, error) {
	return json.Marshal(frame)
}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedFrame = errors.New("malformed frame")

// Request is one decoded client frame. The set of implementations is closed;
// handlers switch on the concrete type.
type Request interface {
	// Kind names the request for logging and metrics
	Kind() string
	isRequest()
}

// Register creates a new account
type Register struct {
	Username string
	Password string
}

// Login starts a session; it fails if the user already has one
type Login struct {
	Username string
	Password string
}

// Reconnect starts a session, replacing any existing one
type Reconnect struct {
	Username string
	Password string
}

// AdminLogin elevates the connection to admin
type AdminLogin struct {
	Username string
	Password string
}

// AdminAddUser creates an account on behalf of an admin
type AdminAddUser struct {
	Username string
	Password string
}

// AdminDeleteUser removes an account, its queue and its session
type AdminDeleteUser struct {
	Username string
}

type AdminGetOnlineUsers struct{}

type AdminGetAllUsers struct{}

// AdminChangePassword replaces the admin password
type AdminChangePassword struct {
	NewPassword string
}

// Chat is a broadcast chat message
type Chat struct {
	Content string
}

// Pong acknowledges a ping
type Pong struct{}

// Unknown is a well-formed frame with no recognised action or type.
// It is ignored.
type Unknown struct {
	Action string
	Type   string
}

func (Register) Kind() string            { return ActionRegister }
func (Login) Kind() string               { return ActionLogin }
func (Reconnect) Kind() string           { return ActionReconnect }
func (AdminLogin) Kind() string          { return ActionAdminLogin }
func (AdminAddUser) Kind() string        { return ActionAdminAddUser }
func (AdminDeleteUser) Kind() string     { return ActionAdminDeleteUser }
func (AdminGetOnlineUsers) Kind() string { return ActionAdminGetOnlineUsers }
func (AdminGetAllUsers) Kind() string    { return ActionAdminGetAllUsers }
func (AdminChangePassword) Kind() string { return ActionAdminChangePassword }
func (Chat) Kind() string                { return TypeMessage }
func (Pong) Kind() string                { return TypePong }
func (Unknown) Kind() string             { return "unknown" }

func (Register) isRequest()            {}
func (Login) isRequest()               {}
func (Reconnect) isRequest()           {}
func (AdminLogin) isRequest()          {}
func (AdminAddUser) isRequest()        {}
func (AdminDeleteUser) isRequest()     {}
func (AdminGetOnlineUsers) isRequest() {}
func (AdminGetAllUsers) isRequest()    {}
func (AdminChangePassword) isRequest() {}
func (Chat) isRequest()                {}
func (Pong) isRequest()                {}
func (Unknown) isRequest()             {}

// envelope is the union of every field a client may send
type envelope struct {
	Action           string `json:"action"`
	Type             string `json:"type"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	AdminUsername    string `json:"adminUsername"`
	AdminPassword    string `json:"adminPassword"`
	NewUsername      string `json:"newUsername"`
	NewPassword      string `json:"newPassword"`
	TargetUsername   string `json:"targetUsername"`
	NewAdminPassword string `json:"newAdminPassword"`
	Content          string `json:"content"`
}

// DecodeRequest parses one JSON frame into its request variant.
// A pong type wins over everything else; then the action decides; a frame
// with no known action but type "message" is chat. Anything else is Unknown.
func DecodeRequest(data []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if env.Type == TypePong {
		return Pong{}, nil
	}

	switch env.Action {
	case ActionRegister:
		return Register{Username: env.Username, Password: env.Password}, nil
	case ActionLogin:
		return Login{Username: env.Username, Password: env.Password}, nil
	case ActionReconnect:
		return Reconnect{Username: env.Username, Password: env.Password}, nil
	case ActionAdminLogin:
		return AdminLogin{Username: env.AdminUsername, Password: env.AdminPassword}, nil
	case ActionAdminAddUser:
		return AdminAddUser{Username: env.NewUsername, Password: env.NewPassword}, nil
	case ActionAdminDeleteUser:
		return AdminDeleteUser{Username: env.TargetUsername}, nil
	case ActionAdminGetOnlineUsers:
		return AdminGetOnlineUsers{}, nil
	case ActionAdminGetAllUsers:
		return AdminGetAllUsers{}, nil
	case ActionAdminChangePassword:
		return AdminChangePassword{NewPassword: env.NewAdminPassword}, nil
	}

	if env.Type == TypeMessage {
		return Chat{Content: env.Content}, nil
	}
	return Unknown{Action: env.Action, Type: env.Type}, nil
}

// EncodeRequest is the inverse of DecodeRequest. The server never sends
// requests; tests and tooling use it to speak the client side.
func EncodeRequest(req Request) ([]byte, error) {
	var env envelope
	switch r := req.(type) {
	case Register:
		env = envelope{Action: ActionRegister, Username: r.Username, Password: r.Password}
	case Login:
		env = envelope{Action: ActionLogin, Username: r.Username, Password: r.Password}
	case Reconnect:
		env = envelope{Action: ActionReconnect, Username: r.Username, Password: r.Password}
	case AdminLogin:
		env = envelope{Action: ActionAdminLogin, AdminUsername: r.Username, AdminPassword: r.Password}
	case AdminAddUser:
		env = envelope{Action: ActionAdminAddUser, NewUsername: r.Username, NewPassword: r.Password}
	case AdminDeleteUser:
		env = envelope{Action: ActionAdminDeleteUser, TargetUsername: r.Username}
	case AdminGetOnlineUsers:
		env = envelope{Action: ActionAdminGetOnlineUsers}
	case AdminGetAllUsers:
		env = envelope{Action: ActionAdminGetAllUsers}
	case AdminChangePassword:
		env = envelope{Action: ActionAdminChangePassword, NewAdminPassword: r.NewPassword}
	case Chat:
		env = envelope{Type: TypeMessage, Content: r.Content}
	case Pong:
		env = envelope{Type: TypePong}
	case Unknown:
		env = envelope{Action: r.Action, Type: r.Type}
	default:
		return nil, fmt.Errorf("unsupported request %T", req)
	}
	return json.Marshal(compactEnvelope(env))
}

// compactEnvelope drops empty fields so encoded requests look like what a
// browser client sends
func compactEnvelope(env envelope) map[string]string {
	out := make(map[string]string)
	add := func(key, value string) {
		if value != "" {
			out[key] = value
		}
	}
	add("action", env.Action)
	add("type", env.Type)
	add("username", env.Username)
	add("password", env.Password)
	add("adminUsername", env.AdminUsername)
	add("adminPassword", env.AdminPassword)
	add("newUsername", env.NewUsername)
	add("newPassword", env.NewPassword)
	add("targetUsername", env.TargetUsername)
	add("newAdminPassword", env.NewAdminPassword)
	add("content", env.Content)
	return out
}

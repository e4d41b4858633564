package server

import (
	"log"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// dispatch routes a decoded request to its handler. It runs on the event loop;
// work carries the request's password hashing, already done.
func (s *Server) dispatch(c *Conn, req protocol.Request, work passwordWork) {
	if c.closed() {
		return
	}
	s.metrics.RecordFrameReceived(req.Kind())

	switch msg := req.(type) {
	case protocol.Register:
		s.handleRegister(c, msg, work)
	case protocol.Login:
		s.handleLogin(c, msg, work)
	case protocol.Reconnect:
		s.handleReconnect(c, msg, work)
	case protocol.AdminLogin:
		s.handleAdminLogin(c, msg, work)
	case protocol.AdminAddUser:
		s.handleAdminAddUser(c, msg, work)
	case protocol.AdminDeleteUser:
		s.handleAdminDeleteUser(c, msg)
	case protocol.AdminGetOnlineUsers:
		s.handleAdminGetOnlineUsers(c)
	case protocol.AdminGetAllUsers:
		s.handleAdminGetAllUsers(c)
	case protocol.AdminChangePassword:
		s.handleAdminChangePassword(c, msg, work)
	case protocol.Chat:
		s.handleChat(c, msg)
	case protocol.Pong:
		// Liveness ack; nothing to do
	case protocol.Unknown:
		debugLog.Printf("Conn %s: ignoring frame with action=%q type=%q", c.id, msg.Action, msg.Type)
	}
}

// sendFailure replies {success:false} with the error text
func (s *Server) sendFailure(c *Conn, action string, err error) {
	debugLog.Printf("Conn %s: %s failed: %v", c.id, action, err)
	c.Send(protocol.Failure(action, err.Error()))
}

// sendSuccess replies {success:true}
func (s *Server) sendSuccess(c *Conn, action, message string) {
	c.Send(protocol.Success(action, message))
}

// handleRegister creates an account
func (s *Server) handleRegister(c *Conn, msg protocol.Register, work passwordWork) {
	if err := s.createAccount(msg.Username, msg.Password, work); err != nil {
		s.sendFailure(c, protocol.ActionRegister, err)
		return
	}

	log.Printf("Registered user %q (conn %s)", msg.Username, c.id)
	s.sendSuccess(c, protocol.ActionRegister, "registration successful")
	s.broadcastAllUsers()
}

// createAccount validates and stores a new account
func (s *Server) createAccount(username, password string, work passwordWork) error {
	if s.state.HasAccount(username) {
		return ErrDuplicateUser
	}
	if username == "" || password == "" {
		return ErrInvalidRequest
	}
	if work.hashErr != nil {
		errorLog.Printf("Failed to hash password for %q: %v", username, work.hashErr)
		return work.hashErr
	}

	s.state.PutAccount(username, work.hashed)
	s.metrics.SetAccounts(s.state.AccountCount())
	s.persistUsers()
	return nil
}

// checkCredentials confirms the password was verified against the user's
// current stored password
func (s *Server) checkCredentials(username string, work passwordWork) error {
	stored, ok := s.state.StoredPassword(username)
	if !ok || !work.matches(stored) {
		return ErrAuthFailed
	}
	return nil
}

// handleLogin starts a session. An existing session is never evicted.
func (s *Server) handleLogin(c *Conn, msg protocol.Login, work passwordWork) {
	if err := s.checkCredentials(msg.Username, work); err != nil {
		s.sendFailure(c, protocol.ActionLogin, err)
		return
	}
	if s.state.registry.Online(msg.Username) {
		s.sendFailure(c, protocol.ActionLogin, ErrAlreadyOnline)
		return
	}

	s.startSession(c, msg.Username)
	s.sendSuccess(c, protocol.ActionLogin, "login successful")
	s.broadcastOnlineUsers()
}

// handleReconnect starts a session, closing any connection that held it
func (s *Server) handleReconnect(c *Conn, msg protocol.Reconnect, work passwordWork) {
	if err := s.checkCredentials(msg.Username, work); err != nil {
		s.sendFailure(c, protocol.ActionReconnect, err)
		return
	}

	if prev, ok := s.state.registry.Lookup(msg.Username); ok && prev.Conn != c {
		log.Printf("User %q reconnected; closing previous conn %s", msg.Username, prev.Conn.id)
		prev.Conn.Close()
	}

	s.startSession(c, msg.Username)
	s.sendSuccess(c, protocol.ActionReconnect, "reconnect successful")
	s.broadcastOnlineUsers()
}

// startSession binds the connection and flushes the offline queue
func (s *Server) startSession(c *Conn, username string) {
	s.state.registry.Bind(username, c, s.now())
	c.username = username
	s.metrics.SetOnlineSessions(s.state.registry.Len())

	log.Printf("User %q logged in (conn %s)", username, c.id)
	s.deliverOfflineMessages(c, username)
}

// handleAdminLogin elevates the connection and sends both user lists
func (s *Server) handleAdminLogin(c *Conn, msg protocol.AdminLogin, work passwordWork) {
	admin := s.state.Admin()
	if msg.Username != admin.Username || !work.matches(admin.Password) {
		s.sendFailure(c, protocol.ActionAdminLogin, errAdminAuthFailed)
		return
	}

	c.isAdmin = true
	log.Printf("Admin logged in (conn %s)", c.id)

	s.sendSuccess(c, protocol.ActionAdminLogin, "admin login successful")
	c.Send(protocol.NewOnlineUsersList(s.state.registry.Usernames()))
	c.Send(protocol.NewAllUsersList(s.state.Accounts()))
}

// requireAdmin gates admin-only operations, replying Unauthorized when the
// connection isn't an admin
func (s *Server) requireAdmin(c *Conn, action string) bool {
	if !c.isAdmin {
		s.sendFailure(c, action, ErrUnauthorized)
		return false
	}
	return true
}

// handleAdminAddUser creates an account on an admin's behalf
func (s *Server) handleAdminAddUser(c *Conn, msg protocol.AdminAddUser, work passwordWork) {
	if !s.requireAdmin(c, protocol.ActionAdminAddUser) {
		return
	}
	if err := s.createAccount(msg.Username, msg.Password, work); err != nil {
		s.sendFailure(c, protocol.ActionAdminAddUser, err)
		return
	}

	log.Printf("Admin (conn %s) added user %q", c.id, msg.Username)
	s.sendSuccess(c, protocol.ActionAdminAddUser, "user added")
	s.broadcastAllUsers()
}

// handleAdminDeleteUser evicts the user's session and removes the account
// and its queue
func (s *Server) handleAdminDeleteUser(c *Conn, msg protocol.AdminDeleteUser) {
	if !s.requireAdmin(c, protocol.ActionAdminDeleteUser) {
		return
	}
	if !s.state.HasAccount(msg.Username) {
		s.sendFailure(c, protocol.ActionAdminDeleteUser, ErrNotFound)
		return
	}

	if sess, ok := s.state.registry.Remove(msg.Username); ok {
		sess.Conn.Close()
		s.metrics.SetOnlineSessions(s.state.registry.Len())
	}

	s.state.DeleteAccount(msg.Username)
	s.metrics.SetAccounts(s.state.AccountCount())
	s.persistUsers()
	s.persistQueues()

	log.Printf("Admin (conn %s) deleted user %q", c.id, msg.Username)
	s.sendSuccess(c, protocol.ActionAdminDeleteUser, "user deleted")
	s.broadcastAllUsers()
	s.broadcastOnlineUsers()
}

func (s *Server) handleAdminGetOnlineUsers(c *Conn) {
	if !s.requireAdmin(c, protocol.ActionAdminGetOnlineUsers) {
		return
	}
	c.Send(protocol.NewOnlineUsersList(s.state.registry.Usernames()))
}

func (s *Server) handleAdminGetAllUsers(c *Conn) {
	if !s.requireAdmin(c, protocol.ActionAdminGetAllUsers) {
		return
	}
	c.Send(protocol.NewAllUsersList(s.state.Accounts()))
}

// handleAdminChangePassword replaces the admin password
func (s *Server) handleAdminChangePassword(c *Conn, msg protocol.AdminChangePassword, work passwordWork) {
	if !s.requireAdmin(c, protocol.ActionAdminChangePassword) {
		return
	}
	if msg.NewPassword == "" {
		s.sendFailure(c, protocol.ActionAdminChangePassword, ErrEmptyPassword)
		return
	}

	if work.hashErr != nil {
		s.sendFailure(c, protocol.ActionAdminChangePassword, work.hashErr)
		return
	}
	s.state.SetAdminPassword(work.hashed)
	s.persistAdmin()

	log.Printf("Admin password changed (conn %s)", c.id)
	s.sendSuccess(c, protocol.ActionAdminChangePassword, "admin password changed")
}

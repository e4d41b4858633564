package server

import (
	"log"
	"strings"

	"github.com/aeolun/chatrelay/pkg/database"
	"github.com/aeolun/chatrelay/pkg/protocol"
)

// handleChat fans a chat message out to every open connection except the
// sender and queues it for every registered user who is offline
func (s *Server) handleChat(c *Conn, msg protocol.Chat) {
	if strings.TrimSpace(msg.Content) == "" {
		return
	}
	if c.username == "" || !s.state.registry.IsBound(c.username, c) {
		debugLog.Printf("Conn %s: dropping chat from connection without a session", c.id)
		return
	}

	chat := protocol.NewMessage(c.username, msg.Content, s.now())

	delivered := 0
	for peer := range s.conns {
		if peer == c {
			continue
		}
		if peer.Send(chat) {
			delivered++
		}
	}
	s.metrics.ObserveBroadcastFanout(delivered)

	queued := 0
	for _, username := range s.state.Accounts() {
		if username == c.username || s.state.registry.Online(username) {
			continue
		}
		if s.state.Enqueue(username, chat) {
			queued++
		}
	}
	if queued > 0 {
		s.metrics.RecordOfflineQueued(queued)
		s.persistQueues()
	}

	if s.config.RosterOnChat {
		s.broadcastOnlineUsers()
	}
}

// deliverOfflineMessages pushes username's queue and drops what the
// connection accepted. A backlog too large for one frame goes out in several.
func (s *Server) deliverOfflineMessages(c *Conn, username string) {
	queue := s.state.Queue(username)
	if len(queue) == 0 {
		return
	}

	delivered := 0
	for _, batch := range protocol.BatchMessages(queue, protocol.MaxPushFrameSize) {
		if !c.Send(protocol.NewOfflineMessages(batch)) {
			log.Printf("Conn %s: offline delivery to %s stopped, %d message(s) kept",
				c.id, username, len(queue)-delivered)
			break
		}
		delivered += len(batch)
	}
	if delivered == 0 {
		return
	}

	s.state.DropQueued(username, delivered)
	s.metrics.RecordOfflineDelivered(delivered)
	s.persistQueues()
}

// broadcastOnlineUsers pushes the roster to every admin connection
func (s *Server) broadcastOnlineUsers() {
	list := protocol.NewOnlineUsersList(s.state.registry.Usernames())
	for conn := range s.conns {
		if conn.isAdmin {
			conn.Send(list)
		}
	}
}

// broadcastAllUsers pushes the account list to every admin connection
func (s *Server) broadcastAllUsers() {
	list := protocol.NewAllUsersList(s.state.Accounts())
	for conn := range s.conns {
		if conn.isAdmin {
			conn.Send(list)
		}
	}
}

func (s *Server) persistUsers() {
	s.persist(database.KeyUsers, s.state.usersDocument)
}

func (s *Server) persistQueues() {
	s.persist(database.KeyOfflineMessages, s.state.queuesDocument)
}

func (s *Server) persistAdmin() {
	s.persist(database.KeyAdmin, s.state.adminDocument)
}

// persist snapshots a document on the loop and hands it to the write buffer
func (s *Server) persist(key string, encode func() ([]byte, error)) {
	doc, err := encode()
	if err != nil {
		errorLog.Printf("Failed to encode %s: %v", key, err)
		return
	}
	s.writeBuffer.Save(key, doc)
}

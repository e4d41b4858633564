package server

import (
	"sort"
	"time"
)

// Session is the binding between a logged-in user and their connection
type Session struct {
	Username string
	Conn     *Conn
	Started  time.Time
}

// Registry maps usernames to their single active session.
// It is owned by the event loop and is not safe for concurrent use.
type Registry struct {
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Bind makes conn the session for username and returns the session it
// replaced, if any. Any other username bound to conn is released so a
// connection never holds two sessions.
func (r *Registry) Bind(username string, conn *Conn, now time.Time) (replaced *Session) {
	for name, sess := range r.sessions {
		if sess.Conn == conn && name != username {
			delete(r.sessions, name)
		}
	}
	replaced = r.sessions[username]
	r.sessions[username] = &Session{Username: username, Conn: conn, Started: now}
	return replaced
}

// Lookup returns the session for username
func (r *Registry) Lookup(username string) (*Session, bool) {
	sess, ok := r.sessions[username]
	return sess, ok
}

// Online reports whether username has a session
func (r *Registry) Online(username string) bool {
	_, ok := r.sessions[username]
	return ok
}

// IsBound reports whether conn is the active session for username
func (r *Registry) IsBound(username string, conn *Conn) bool {
	sess, ok := r.sessions[username]
	return ok && sess.Conn == conn
}

// Remove drops the session for username regardless of connection
func (r *Registry) Remove(username string) (*Session, bool) {
	sess, ok := r.sessions[username]
	if ok {
		delete(r.sessions, username)
	}
	return sess, ok
}

// RemoveConn drops every session whose connection is conn. Matching is by
// handle, so a stale connection can't evict the session that replaced it.
func (r *Registry) RemoveConn(conn *Conn) []string {
	var removed []string
	for name, sess := range r.sessions {
		if sess.Conn == conn {
			delete(r.sessions, name)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// Usernames returns the online usernames, sorted
func (r *Registry) Usernames() []string {
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	return len(r.sessions)
}

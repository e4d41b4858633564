package server

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// Hasher turns passwords into their stored form and checks them
type Hasher interface {
	Hash(password string) (string, error)
	Verify(stored, password string) bool
}

// NewHasher returns a bcrypt hasher when hashing is enabled, otherwise one
// that stores passwords as received
func NewHasher(hashPasswords bool, cost int) Hasher {
	if !hashPasswords {
		return plainHasher{}
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return bcryptHasher{cost: cost}
}

type plainHasher struct{}

func (plainHasher) Hash(password string) (string, error) {
	return password, nil
}

func (plainHasher) Verify(stored, password string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1
}

type bcryptHasher struct {
	cost int
}

func (h bcryptHasher) Hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

// Verify accepts legacy plaintext entries so a store written before hashing
// was enabled keeps working
func (h bcryptHasher) Verify(stored, password string) bool {
	if !isBcryptHash(stored) {
		return plainHasher{}.Verify(stored, password)
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
}

func isBcryptHash(s string) bool {
	return len(s) == 60 && strings.HasPrefix(s, "$2")
}

// passwordWork is the hashing and verification for one request, done on the
// connection's read goroutine so bcrypt never holds up the event loop
type passwordWork struct {
	hashed  string // stored form of the request's new password
	hashErr error

	checked string // stored value the password was verified against
	match   bool
}

// preparePasswords does the password work req needs before it is
// dispatched. Stored values are read through the loop, so a request sees the
// effects of everything the same connection sent before it.
func (s *Server) preparePasswords(req protocol.Request) passwordWork {
	var w passwordWork
	switch msg := req.(type) {
	case protocol.Register:
		w.hash(s.hasher, msg.Password)
	case protocol.AdminAddUser:
		w.hash(s.hasher, msg.Password)
	case protocol.AdminChangePassword:
		w.hash(s.hasher, msg.NewPassword)
	case protocol.Login:
		w.verify(s, s.hasher, msg.Username, msg.Password)
	case protocol.Reconnect:
		w.verify(s, s.hasher, msg.Username, msg.Password)
	case protocol.AdminLogin:
		var stored string
		s.call(func() {
			if admin := s.state.Admin(); admin.Username == msg.Username {
				stored = admin.Password
			}
		})
		if stored != "" {
			w.checked = stored
			w.match = s.hasher.Verify(stored, msg.Password)
		}
	}
	return w
}

func (w *passwordWork) hash(h Hasher, password string) {
	if password == "" {
		return
	}
	w.hashed, w.hashErr = h.Hash(password)
}

func (w *passwordWork) verify(s *Server, h Hasher, username, password string) {
	var stored string
	var ok bool
	s.call(func() { stored, ok = s.state.StoredPassword(username) })
	if ok {
		w.checked = stored
		w.match = h.Verify(stored, password)
	}
}

// matches reports whether the password was verified against what is stored
// now. A password changed in between counts as a mismatch.
func (w passwordWork) matches(stored string) bool {
	return w.match && subtle.ConstantTimeCompare([]byte(w.checked), []byte(stored)) == 1
}

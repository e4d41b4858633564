package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/aeolun/chatrelay/pkg/database"
	"github.com/aeolun/chatrelay/pkg/protocol"
)

// AdminCredentials is the single admin account
type AdminCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// State is everything the relay knows: accounts, admin credentials,
// offline queues and live sessions. Only the event loop touches it.
type State struct {
	accounts map[string]string // username -> stored password
	admin    AdminCredentials
	queues   map[string][]protocol.Message
	registry *Registry
}

// NewState returns an empty state with the given admin credentials
func NewState(admin AdminCredentials) *State {
	return &State{
		accounts: make(map[string]string),
		admin:    admin,
		queues:   make(map[string][]protocol.Message),
		registry: NewRegistry(),
	}
}

// LoadState reads all three documents from store. Missing documents are
// created from defaults; unreadable ones are logged and replaced with
// defaults.
func LoadState(ctx context.Context, store database.Store, defaults AdminCredentials) (*State, error) {
	st := NewState(defaults)

	if err := loadDocument(ctx, store, database.KeyUsers, &st.accounts, []byte("{}")); err != nil {
		return nil, err
	}
	if err := loadDocument(ctx, store, database.KeyOfflineMessages, &st.queues, []byte("{}")); err != nil {
		return nil, err
	}

	seed, err := json.Marshal(defaults)
	if err != nil {
		return nil, err
	}
	if err := loadDocument(ctx, store, database.KeyAdmin, &st.admin, seed); err != nil {
		return nil, err
	}
	if st.admin.Username == "" {
		errorLog.Printf("%s has no username, using default admin credentials", database.KeyAdmin)
		st.admin = defaults
	}

	// JSON null decodes to a nil map
	if st.accounts == nil {
		st.accounts = make(map[string]string)
	}
	if st.queues == nil {
		st.queues = make(map[string][]protocol.Message)
	}
	for user, queue := range st.queues {
		if len(queue) == 0 {
			delete(st.queues, user)
		}
	}

	return st, nil
}

func loadDocument(ctx context.Context, store database.Store, key string, into any, seed []byte) error {
	data, err := store.Load(ctx, key)
	if errors.Is(err, database.ErrNotFound) {
		if err := store.Save(ctx, key, seed); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", key, err)
		}
		data = seed
	} else if err != nil {
		return fmt.Errorf("failed to load %s: %w", key, err)
	}

	if err := json.Unmarshal(data, into); err != nil {
		errorLog.Printf("Failed to parse %s, starting from defaults: %v", key, err)
		return json.Unmarshal(seed, into)
	}
	return nil
}

// HasAccount reports whether username is registered
func (st *State) HasAccount(username string) bool {
	_, ok := st.accounts[username]
	return ok
}

// StoredPassword returns the stored (possibly hashed) password
func (st *State) StoredPassword(username string) (string, bool) {
	p, ok := st.accounts[username]
	return p, ok
}

// PutAccount creates or overwrites an account
func (st *State) PutAccount(username, storedPassword string) {
	st.accounts[username] = storedPassword
}

// DeleteAccount removes the account and its offline queue
func (st *State) DeleteAccount(username string) bool {
	if _, ok := st.accounts[username]; !ok {
		return false
	}
	delete(st.accounts, username)
	delete(st.queues, username)
	return true
}

// Accounts returns all usernames, sorted
func (st *State) Accounts() []string {
	names := make([]string, 0, len(st.accounts))
	for name := range st.accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (st *State) AccountCount() int {
	return len(st.accounts)
}

// Admin returns the admin credentials
func (st *State) Admin() AdminCredentials {
	return st.admin
}

// SetAdminPassword replaces the stored admin password
func (st *State) SetAdminPassword(storedPassword string) {
	st.admin.Password = storedPassword
}

// Enqueue appends msg to username's queue unless an identical message is
// already there. It reports whether the queue changed.
func (st *State) Enqueue(username string, msg protocol.Message) bool {
	for _, queued := range st.queues[username] {
		if queued.SameAs(msg) {
			return false
		}
	}
	st.queues[username] = append(st.queues[username], msg)
	return true
}

// Queue returns username's pending messages in arrival order
func (st *State) Queue(username string) []protocol.Message {
	return st.queues[username]
}

// DropQueued removes the first n of username's pending messages once they
// have been handed to a connection
func (st *State) DropQueued(username string, n int) {
	queue := st.queues[username]
	if n >= len(queue) {
		delete(st.queues, username)
		return
	}
	st.queues[username] = append([]protocol.Message(nil), queue[n:]...)
}

// QueuedTotal counts messages waiting across all users
func (st *State) QueuedTotal() int {
	n := 0
	for _, q := range st.queues {
		n += len(q)
	}
	return n
}

func (st *State) usersDocument() ([]byte, error) {
	return json.Marshal(st.accounts)
}

func (st *State) queuesDocument() ([]byte, error) {
	return json.Marshal(st.queues)
}

func (st *State) adminDocument() ([]byte, error) {
	return json.Marshal(st.admin)
}

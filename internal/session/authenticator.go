package session

import (
	"sync"

	"github.com/quickhub-go/hubd/internal/model"
)

// Authenticator validates a (userID, password) pair against one identity
// store (spec §4.3). AuthService consults a read-mostly, ordered list of
// these, returning the first hit — the same "first authenticator that
// claims the command consumes it" pattern spec §7 prescribes for message
// handlers in general.
type Authenticator interface {
	// Validate returns the matching user, or (nil, nil) if this
	// authenticator has no opinion about userID, or a non-nil error
	// (UserNotExists / IncorrectPassword) if it does recognize the user id
	// but the credentials fail.
	Validate(userID, password string) (*model.User, error)
}

// StaticAuthenticator is an in-memory authenticator backed by a directly
// provisioned user map, password-hashed with bcrypt (spec §4.3 "Password
// hashing is implementation-defined; the abstract contract is a
// deterministic one-way function with fixed output" — bcrypt satisfies
// that contract and is the hashing library used across the pack's
// auth-adjacent code, e.g. m0rjc-OsmDeviceAdapter/internal/webauth).
type StaticAuthenticator struct {
	mu    sync.RWMutex
	users map[string]*model.User
}

func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{users: make(map[string]*model.User)}
}

// AddUser registers u under u.ID, overwriting any previous entry.
func (s *StaticAuthenticator) AddUser(u *model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// RemoveUser implements the `user:delete` command.
func (s *StaticAuthenticator) RemoveUser(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return false
	}
	delete(s.users, id)
	return true
}

// GetUser returns the provisioned user, if any, for `user:changepassword`
// and `user:setpermission`.
func (s *StaticAuthenticator) GetUser(id string) (*model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

// Snapshot returns a shallow copy of the user map, for persistence.
func (s *StaticAuthenticator) Snapshot() map[string]*model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*model.User, len(s.users))
	for k, v := range s.users {
		out[k] = v
	}
	return out
}

func (s *StaticAuthenticator) Validate(userID, password string) (*model.User, error) {
	s.mu.RLock()
	u, ok := s.users[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if !CheckPassword(u.PasswordHash, password) {
		return nil, ErrIncorrectPassword
	}
	return u, nil
}

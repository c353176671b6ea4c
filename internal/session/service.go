// Package session implements spec §4.3: the identity/session store. It
// keeps an ordered list of Authenticators, a token->identity map and a
// token->expiry map (kept in lockstep per the §8.1 invariant), and a
// 60-second reaper that force-logs-out anything past its expiry.
package session

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/quickhub-go/hubd/internal/model"
)

// CloseListener is notified when a token is removed, for any reason
// (explicit logout, forced logout on duplicate session, or reaper expiry).
// Subscription handlers use this to detach every channel that authenticated
// under the closed token (spec §4.8 "Session close").
type CloseListener func(identityID, token string)

// Service is the process-wide AuthService singleton (spec §9 "Singletons").
type Service struct {
	logger log.Logger

	authMu         sync.RWMutex
	authenticators []Authenticator

	tokenMu        sync.RWMutex
	tokenIdentity  map[string]model.Identity
	tokenExpiry    map[string]int64 // epoch millis; absent => infinite
	identityTokens map[string]map[string]bool

	listenersMu sync.RWMutex
	listeners   []CloseListener

	reaperStop chan struct{}
	reaperOnce sync.Once
}

func NewService(logger log.Logger) *Service {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Service{
		logger:         logger,
		tokenIdentity:  make(map[string]model.Identity),
		tokenExpiry:    make(map[string]int64),
		identityTokens: make(map[string]map[string]bool),
		reaperStop:     make(chan struct{}),
	}
	return s
}

// RegisterAuthenticator appends a to the (read-mostly) authenticator list,
// spec §4.3 "registerAuthenticator(a)".
func (s *Service) RegisterAuthenticator(a Authenticator) {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	s.authenticators = append(s.authenticators, a)
}

// OnSessionClosed registers a listener invoked after logout/expiry.
func (s *Service) OnSessionClosed(l CloseListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Service) emitSessionClosed(identityID, token string) {
	s.listenersMu.RLock()
	ls := append([]CloseListener(nil), s.listeners...)
	s.listenersMu.RUnlock()
	for _, l := range ls {
		l(identityID, token)
	}
}

// ValidateUser iterates authenticators in registration order and returns
// the first non-nil user, per spec §4.3 "validateUser".
func (s *Service) ValidateUser(userID, password string) (*model.User, error) {
	s.authMu.RLock()
	auths := append([]Authenticator(nil), s.authenticators...)
	s.authMu.RUnlock()

	var sawUser bool
	for _, a := range auths {
		u, err := a.Validate(userID, password)
		if u != nil {
			return u, nil
		}
		if err == ErrIncorrectPassword {
			sawUser = true
		}
	}
	if sawUser {
		return nil, ErrIncorrectPassword
	}
	return nil, ErrUserNotExists
}

// Login validates credentials and issues a token (spec §4.3
// "login(userID, password)"). Service identities (User.IsService) may have
// at most one live session regardless of MultipleSessionsAllowed.
func (s *Service) Login(userID, password string) (string, *model.User, error) {
	u, err := s.ValidateUser(userID, password)
	if err != nil {
		return "", nil, err
	}
	if u.IsService {
		if s.hasActiveSession(u.ID) {
			return "", nil, ErrDuplicateSession
		}
	}
	token, err := s.LoginIdentity(u)
	if err != nil {
		return "", nil, err
	}
	return token, u, nil
}

// LoginIdentity issues a token for an already-resolved identity (spec §4.3
// "login(identity)"), rejecting duplicates unless the identity allows
// multiple concurrent sessions.
func (s *Service) LoginIdentity(identity model.Identity) (string, error) {
	if !identity.MultipleSessionsAllowed() && s.hasActiveSession(identity.IdentityID()) {
		return "", ErrDuplicateSession
	}

	token := uuid.NewString()
	now := time.Now()

	s.tokenMu.Lock()
	s.tokenIdentity[token] = identity
	if exp := identity.SessionExpiration(); exp > 0 {
		s.tokenExpiry[token] = now.Add(time.Duration(exp) * time.Second).UnixMilli()
	}
	set := s.identityTokens[identity.IdentityID()]
	if set == nil {
		set = make(map[string]bool)
		s.identityTokens[identity.IdentityID()] = set
	}
	set[token] = true
	s.tokenMu.Unlock()

	return token, nil
}

func (s *Service) hasActiveSession(identityID string) bool {
	s.tokenMu.RLock()
	defer s.tokenMu.RUnlock()
	return len(s.identityTokens[identityID]) > 0
}

// ValidateToken is the atomic slide-or-expire check of spec §4.3: if
// expired, force logout and return nil; otherwise slide the expiry and
// update lastActivity.
func (s *Service) ValidateToken(token string) model.Identity {
	now := time.Now()

	s.tokenMu.Lock()
	identity, ok := s.tokenIdentity[token]
	if !ok {
		s.tokenMu.Unlock()
		return nil
	}
	if exp, hasExp := s.tokenExpiry[token]; hasExp && exp <= now.UnixMilli() {
		s.removeTokenLocked(token)
		s.tokenMu.Unlock()
		s.emitSessionClosed(identity.IdentityID(), token)
		return nil
	}
	if expSecs := identity.SessionExpiration(); expSecs > 0 {
		s.tokenExpiry[token] = now.Add(time.Duration(expSecs) * time.Second).UnixMilli()
	}
	s.tokenMu.Unlock()

	identity.TouchActivity(now.UnixMilli())
	return identity
}

// Logout removes token, unlinks it from its identity, and emits
// sessionClosed (spec §4.3 "logout(token)").
func (s *Service) Logout(token string) {
	s.tokenMu.Lock()
	identity, ok := s.tokenIdentity[token]
	if !ok {
		s.tokenMu.Unlock()
		return
	}
	s.removeTokenLocked(token)
	s.tokenMu.Unlock()

	s.emitSessionClosed(identity.IdentityID(), token)
}

// removeTokenLocked must be called with tokenMu held for writing. It keeps
// the token->identity and token->expiry maps in lockstep in the same
// critical section, satisfying the §8.1 invariant.
func (s *Service) removeTokenLocked(token string) {
	identity, ok := s.tokenIdentity[token]
	if !ok {
		return
	}
	delete(s.tokenIdentity, token)
	delete(s.tokenExpiry, token)
	if set, ok := s.identityTokens[identity.IdentityID()]; ok {
		delete(set, token)
		if len(set) == 0 {
			delete(s.identityTokens, identity.IdentityID())
		}
	}
}

// StartReaper launches the 60-second ticker that force-logs-out any token
// whose expiry is in the past (spec §4.3, §5).
func (s *Service) StartReaper() {
	s.reaperOnce.Do(func() {
		go s.reaperLoop()
	})
}

func (s *Service) reaperLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.reapExpired()
		case <-s.reaperStop:
			return
		}
	}
}

func (s *Service) reapExpired() {
	now := time.Now().UnixMilli()

	s.tokenMu.Lock()
	var expired []struct {
		token, identityID string
	}
	for token, exp := range s.tokenExpiry {
		if exp <= now {
			identity := s.tokenIdentity[token]
			expired = append(expired, struct{ token, identityID string }{token, identity.IdentityID()})
		}
	}
	for _, e := range expired {
		s.removeTokenLocked(e.token)
	}
	s.tokenMu.Unlock()

	for _, e := range expired {
		level.Debug(s.logger).Log("msg", "reaped expired session", "identity", e.identityID)
		s.emitSessionClosed(e.identityID, e.token)
	}
}

// Stop halts the reaper goroutine.
func (s *Service) Stop() {
	close(s.reaperStop)
}

package session

import "errors"

// These are the two outcomes validateUser/login must distinguish per spec
// §4.3. They are not part of the wire-level HubCode enum (§6/§7); callers
// that need to answer a client translate them into a HubError, typically
// ErrPermissionDenied with a descriptive string, since the closed wire
// enum has no dedicated slot for "wrong password" vs "no such user".
var (
	ErrUserNotExists     = errors.New("user does not exist")
	ErrIncorrectPassword = errors.New("incorrect password")
	ErrDuplicateSession  = errors.New("identity does not allow multiple sessions")
)

package session

import (
	"testing"
	"time"

	"github.com/go-kit/log"

	"github.com/quickhub-go/hubd/internal/model"
)

func newTestService() (*Service, *StaticAuthenticator) {
	auth := NewStaticAuthenticator()
	svc := NewService(log.NewNopLogger())
	svc.RegisterAuthenticator(auth)
	return svc, auth
}

func addUser(auth *StaticAuthenticator, id, password string) *model.User {
	hash, _ := HashPassword(password)
	u := model.NewUser(id, hash)
	auth.AddUser(u)
	return u
}

func TestLoginSucceedsWithCorrectPassword(t *testing.T) {
	svc, auth := newTestService()
	addUser(auth, "alice", "secret")

	token, u, err := svc.Login("alice", "secret")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	if u.IdentityID() != "alice" {
		t.Fatalf("identity = %q, want alice", u.IdentityID())
	}
}

func TestLoginFailsWithWrongPassword(t *testing.T) {
	svc, auth := newTestService()
	addUser(auth, "alice", "secret")

	if _, _, err := svc.Login("alice", "wrong"); err != ErrIncorrectPassword {
		t.Fatalf("err = %v, want ErrIncorrectPassword", err)
	}
}

func TestLoginFailsForUnknownUser(t *testing.T) {
	svc, _ := newTestService()
	if _, _, err := svc.Login("ghost", "whatever"); err != ErrUserNotExists {
		t.Fatalf("err = %v, want ErrUserNotExists", err)
	}
}

func TestValidateTokenReturnsIdentityAfterLogin(t *testing.T) {
	svc, auth := newTestService()
	addUser(auth, "alice", "secret")
	token, _, _ := svc.Login("alice", "secret")

	identity := svc.ValidateToken(token)
	if identity == nil {
		t.Fatal("expected identity, got nil")
	}
	if identity.IdentityID() != "alice" {
		t.Fatalf("identity = %q, want alice", identity.IdentityID())
	}
}

func TestValidateTokenUnknown(t *testing.T) {
	svc, _ := newTestService()
	if identity := svc.ValidateToken("bogus"); identity != nil {
		t.Fatal("expected nil identity for unknown token")
	}
}

func TestLogoutInvalidatesToken(t *testing.T) {
	svc, auth := newTestService()
	addUser(auth, "alice", "secret")
	token, _, _ := svc.Login("alice", "secret")

	svc.Logout(token)

	if identity := svc.ValidateToken(token); identity != nil {
		t.Fatal("token should be invalid after logout")
	}
}

func TestLogoutEmitsSessionClosed(t *testing.T) {
	svc, auth := newTestService()
	addUser(auth, "alice", "secret")
	token, _, _ := svc.Login("alice", "secret")

	var gotIdentity, gotToken string
	svc.OnSessionClosed(func(identityID, tok string) {
		gotIdentity, gotToken = identityID, tok
	})
	svc.Logout(token)

	if gotIdentity != "alice" || gotToken != token {
		t.Fatalf("listener got (%q, %q), want (alice, %q)", gotIdentity, gotToken, token)
	}
}

func TestDuplicateSessionRejectedForSingleSessionIdentity(t *testing.T) {
	svc, auth := newTestService()
	u := addUser(auth, "alice", "secret")
	u.MultiSession = false

	if _, _, err := svc.Login("alice", "secret"); err != nil {
		t.Fatalf("first login failed: %v", err)
	}
	if _, _, err := svc.Login("alice", "secret"); err != ErrDuplicateSession {
		t.Fatalf("err = %v, want ErrDuplicateSession", err)
	}
}

func TestMultipleSessionsAllowedWhenFlagSet(t *testing.T) {
	svc, auth := newTestService()
	u := addUser(auth, "alice", "secret")
	u.MultiSession = true

	if _, _, err := svc.Login("alice", "secret"); err != nil {
		t.Fatalf("first login failed: %v", err)
	}
	if _, _, err := svc.Login("alice", "secret"); err != nil {
		t.Fatalf("second login should be allowed, got %v", err)
	}
}

func TestRemoveUserThenLoginFails(t *testing.T) {
	svc, auth := newTestService()
	addUser(auth, "alice", "secret")
	if !auth.RemoveUser("alice") {
		t.Fatal("RemoveUser should report it removed an existing user")
	}
	if _, _, err := svc.Login("alice", "secret"); err != ErrUserNotExists {
		t.Fatalf("err = %v, want ErrUserNotExists", err)
	}
}

func TestStaticAuthenticatorSnapshotIsIndependentCopy(t *testing.T) {
	auth := NewStaticAuthenticator()
	addUser(auth, "alice", "secret")

	snap := auth.Snapshot()
	delete(snap, "alice")

	if _, ok := auth.GetUser("alice"); !ok {
		t.Fatal("mutating the snapshot must not affect the authenticator's own map")
	}
}

// S5 (spec §8): a session with a short expiration lazily rejects the
// expired token on the very next ValidateToken call, and the background
// reaper force-closes it (emitting sessionClosed, the signal subscription
// handlers use to detach every channel authenticated under that token)
// even if nobody calls ValidateToken again.
func TestExpiredTokenIsRejectedLazilyByValidateToken(t *testing.T) {
	svc, auth := newTestService()
	u := addUser(auth, "alice", "secret")
	u.ExpirationSecs = 1

	token, _, err := svc.Login("alice", "secret")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if identity := svc.ValidateToken(token); identity == nil {
		t.Fatal("token should still be valid immediately after login")
	}

	time.Sleep(1100 * time.Millisecond)

	if identity := svc.ValidateToken(token); identity != nil {
		t.Fatal("ValidateToken should reject a token past its expiration without needing the reaper")
	}
}

func TestReapExpiredEmitsSessionClosedForExpiredTokens(t *testing.T) {
	svc, auth := newTestService()
	u := addUser(auth, "alice", "secret")
	u.ExpirationSecs = 1

	token, _, err := svc.Login("alice", "secret")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	var gotIdentity, gotToken string
	svc.OnSessionClosed(func(identityID, tok string) {
		gotIdentity, gotToken = identityID, tok
	})

	time.Sleep(1100 * time.Millisecond)
	svc.reapExpired()

	if gotIdentity != "alice" || gotToken != token {
		t.Fatalf("listener got (%q, %q), want (alice, %q) after reaping an expired token", gotIdentity, gotToken, token)
	}
	if identity := svc.ValidateToken(token); identity != nil {
		t.Fatal("a reaped token must stay invalid")
	}
}

package hub

import (
	"context"
	"encoding/json"

	"github.com/quickhub-go/hubd/internal/metrics"
	"github.com/quickhub-go/hubd/internal/model"
	"github.com/quickhub-go/hubd/internal/multiplex"
	"github.com/quickhub-go/hubd/internal/session"
	"github.com/quickhub-go/hubd/internal/subscription"
)

// handleUserCommand routes the `user:*` namespace (spec §6): login/logout
// consult session.Service directly; the provisioning commands mutate the
// StaticAuthenticator and persist a snapshot.
func (h *Hub) handleUserCommand(ch *multiplex.Channel, msg *model.Message) {
	switch msg.Verb() {
	case "login":
		h.handleLogin(ch, msg)
	case "logout":
		h.sessions.Logout(msg.Token)
		subscription.ReplySuccess(ch, msg.Command, nil)
	case "add":
		h.handleUserAdd(ch, msg)
	case "delete":
		h.handleUserDelete(ch, msg)
	case "changepassword":
		h.handleUserChangePassword(ch, msg)
	case "setpermission":
		h.handleUserSetPermission(ch, msg)
	default:
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrNotSupported, msg.Command))
	}
}

func (h *Hub) handleLogin(ch *multiplex.Channel, msg *model.Message) {
	var body struct {
		UserID   string `json:"userID"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(msg.Params(), &body); err != nil {
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrInvalidParameters, err.Error()))
		return
	}

	token, user, err := h.sessions.Login(body.UserID, body.Password)
	if err != nil {
		metrics.LoginTotal.WithLabelValues("failed").Inc()
		subscription.ReplyFailed(ch, msg.Command, sessionErrorToHub(err))
		return
	}
	metrics.LoginTotal.WithLabelValues("ok").Inc()
	metrics.SessionsActive.Inc()

	subscription.ReplySuccess(ch, msg.Command, map[string]any{
		"token":           token,
		"tokenExpiration": user.SessionExpiration(),
		"user": map[string]any{
			"id":          user.ID,
			"email":       user.Email,
			"displayName": user.DisplayName,
			"permissions": user.Permissions,
		},
	})
}

func sessionErrorToHub(err error) *model.HubError {
	switch err {
	case session.ErrDuplicateSession:
		return model.NewHubError(model.ErrAlreadyExists, err.Error())
	default:
		// ErrUserNotExists and ErrIncorrectPassword are deliberately not
		// distinguished on the wire (session/errors.go), both surface as
		// PermissionDenied.
		return model.NewHubError(model.ErrPermissionDenied, "invalid credentials")
	}
}

// requireAdmin validates token and requires the "is-admin" permission,
// gating the user:add/delete/changepassword/setpermission commands.
func (h *Hub) requireAdmin(msg *model.Message) *model.HubError {
	identity := h.sessions.ValidateToken(msg.Token)
	if identity == nil {
		return model.NewHubError(model.ErrInvalidToken, "")
	}
	const permissionIsAdmin = "is-admin"
	if !identity.IsAuthorizedTo(permissionIsAdmin) {
		return model.NewHubError(model.ErrPermissionDenied, "")
	}
	return nil
}

func (h *Hub) persistUsers() {
	if h.store == nil {
		return
	}
	snap := h.auth.Snapshot()
	_ = h.store.Save(context.Background(), "config/users", &snap)
}

func (h *Hub) handleUserAdd(ch *multiplex.Channel, msg *model.Message) {
	if herr := h.requireAdmin(msg); herr != nil {
		subscription.ReplyFailed(ch, msg.Command, herr)
		return
	}
	var body struct {
		UserID   string `json:"userID"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(msg.Params(), &body); err != nil || body.UserID == "" {
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrInvalidParameters, ""))
		return
	}
	if _, exists := h.auth.GetUser(body.UserID); exists {
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrAlreadyExists, ""))
		return
	}
	hash, err := session.HashPassword(body.Password)
	if err != nil {
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrStorageError, err.Error()))
		return
	}
	h.auth.AddUser(model.NewUser(body.UserID, hash))
	h.persistUsers()
	subscription.ReplySuccess(ch, msg.Command, nil)
}

func (h *Hub) handleUserDelete(ch *multiplex.Channel, msg *model.Message) {
	if herr := h.requireAdmin(msg); herr != nil {
		subscription.ReplyFailed(ch, msg.Command, herr)
		return
	}
	var body struct {
		UserID string `json:"userID"`
	}
	_ = json.Unmarshal(msg.Params(), &body)
	if !h.auth.RemoveUser(body.UserID) {
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrUnknownItem, ""))
		return
	}
	h.persistUsers()
	subscription.ReplySuccess(ch, msg.Command, nil)
}

func (h *Hub) handleUserChangePassword(ch *multiplex.Channel, msg *model.Message) {
	identity := h.sessions.ValidateToken(msg.Token)
	if identity == nil {
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrInvalidToken, ""))
		return
	}
	var body struct {
		UserID      string `json:"userID"`
		NewPassword string `json:"newPassword"`
	}
	if err := json.Unmarshal(msg.Params(), &body); err != nil {
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrInvalidParameters, ""))
		return
	}
	targetID := body.UserID
	if targetID == "" {
		targetID = identity.IdentityID()
	}
	if targetID != identity.IdentityID() && !identity.IsAuthorizedTo("is-admin") {
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrPermissionDenied, ""))
		return
	}
	user, ok := h.auth.GetUser(targetID)
	if !ok {
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrUnknownItem, ""))
		return
	}
	hash, err := session.HashPassword(body.NewPassword)
	if err != nil {
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrStorageError, err.Error()))
		return
	}
	user.SetPasswordHash(hash)
	h.auth.AddUser(user)
	h.persistUsers()
	subscription.ReplySuccess(ch, msg.Command, nil)
}

func (h *Hub) handleUserSetPermission(ch *multiplex.Channel, msg *model.Message) {
	if herr := h.requireAdmin(msg); herr != nil {
		subscription.ReplyFailed(ch, msg.Command, herr)
		return
	}
	var body struct {
		UserID     string `json:"userID"`
		Permission string `json:"permission"`
		Allowed    bool   `json:"allowed"`
	}
	if err := json.Unmarshal(msg.Params(), &body); err != nil {
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrInvalidParameters, ""))
		return
	}
	user, ok := h.auth.GetUser(body.UserID)
	if !ok {
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrUnknownItem, ""))
		return
	}
	user.SetPermission(body.Permission, body.Allowed)
	h.persistUsers()
	subscription.ReplySuccess(ch, msg.Command, nil)
}

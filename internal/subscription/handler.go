// Package subscription implements spec §4.8: the per-resource fan-out
// handler that sits between the resource registry and the set of channels
// currently attached to a resource. One Handler exists per live resource
// instance (shared resources share a handler; dynamic resources get a
// private one). Membership/broadcast is grounded on the register/
// unregister/broadcast-channel pattern common across the other_examples
// hub.go family, adapted to a map+RWMutex since attach/detach here happen
// synchronously from the dispatching goroutine rather than over channels.
package subscription

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/quickhub-go/hubd/internal/model"
	"github.com/quickhub-go/hubd/internal/multiplex"
	"github.com/quickhub-go/hubd/internal/resource"
)

// member is one attached channel plus the token it attached under, so
// Handler can implement "detach everyone whose session closed" (spec §4.8
// step 5) without the channel itself tracking its own token.
type member struct {
	channel *multiplex.Channel
	token   string
}

// Handler fans resource mutations out to every attached channel and tears
// itself down when the last member leaves.
type Handler struct {
	logger log.Logger

	resourceType string
	qname        string
	handle       *resource.Handle

	mu      sync.RWMutex
	members map[string]member // channel ID -> member

	onEmpty func(h *Handler) // invoked once, after the last member detaches
}

// NewHandler wraps handle for qname/resourceType. onEmpty is called at most
// once, synchronously, right after membership drops to zero.
func NewHandler(logger log.Logger, resourceType, qname string, handle *resource.Handle, onEmpty func(*Handler)) *Handler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Handler{
		logger:       logger,
		resourceType: resourceType,
		qname:        qname,
		handle:       handle,
		members:      make(map[string]member),
		onEmpty:      onEmpty,
	}
}

func (h *Handler) Resource() resource.Resource { return h.handle.Resource }

// Attach authorizes and registers ch, then sends the dump message the
// caller built for this resource's current state (spec §4.8 steps 1-2).
// The dump itself is resource-kind-specific, so callers build it from
// Resource() and pass it in as dump.
func (h *Handler) Attach(ch *multiplex.Channel, token string, identity model.Identity, dump *model.Message) *model.HubError {
	if !h.handle.Resource.CanRead(identity) {
		return model.NewHubError(model.ErrPermissionDenied, "")
	}

	h.mu.Lock()
	h.members[ch.ID] = member{channel: ch, token: token}
	h.mu.Unlock()

	if dump != nil {
		if err := ch.Send(dump); err != nil {
			level.Warn(h.logger).Log("msg", "failed to send attach dump", "qname", h.qname, "err", err)
		}
	}
	return nil
}

// Detach removes ch. If it was the last member, the handler releases its
// resource handle and onEmpty fires (spec §4.8 step 4).
func (h *Handler) Detach(channelID string) {
	h.mu.Lock()
	_, existed := h.members[channelID]
	delete(h.members, channelID)
	empty := existed && len(h.members) == 0
	h.mu.Unlock()

	if empty {
		h.teardown()
	}
}

// DetachToken detaches every channel that attached under token (spec §4.8
// step 5, driven by session.Service's CloseListener).
func (h *Handler) DetachToken(token string) {
	h.mu.Lock()
	var toDrop []string
	for id, m := range h.members {
		if m.token == token {
			toDrop = append(toDrop, id)
		}
	}
	for _, id := range toDrop {
		delete(h.members, id)
	}
	empty := len(toDrop) > 0 && len(h.members) == 0
	h.mu.Unlock()

	if empty {
		h.teardown()
	}
}

// TeardownIfEmpty releases the handle and fires onEmpty if no channel ever
// attached successfully, e.g. the sole attacher was denied by CanRead. Safe
// to call on a handler that already has members; it is then a no-op.
func (h *Handler) TeardownIfEmpty() {
	h.mu.RLock()
	empty := len(h.members) == 0
	h.mu.RUnlock()
	if empty {
		h.teardown()
	}
}

func (h *Handler) teardown() {
	h.handle.Release()
	if h.onEmpty != nil {
		h.onEmpty(h)
	}
}

// MemberCount reports current membership, used by tests and metrics.
func (h *Handler) MemberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// Broadcast fans delta out to every member (spec §4.8 step 3). originChannel
// is the channel whose action produced delta, if any; its copy is sent with
// Reply=true, everyone else's with Reply=false. originChannel may be empty
// for server-originated mutations (e.g. admin/webhook edits), in which case
// every copy carries Reply=false.
func (h *Handler) Broadcast(command string, params any, originChannelID string) {
	h.mu.RLock()
	members := make([]member, 0, len(h.members))
	for _, m := range h.members {
		members = append(members, m)
	}
	h.mu.RUnlock()

	for _, m := range members {
		isOrigin := m.channel.ID == originChannelID
		msg := model.Delta(command, params, isOrigin)
		if err := m.channel.Send(msg); err != nil {
			level.Debug(h.logger).Log("msg", "broadcast send failed", "qname", h.qname, "channel", m.channel.ID, "err", err)
		}
	}
}

// ReplyFailed sends a `<orig>:failed` message to the originating channel
// only (spec §4.8 error envelope; never broadcast).
func ReplyFailed(ch *multiplex.Channel, orig string, err *model.HubError) {
	_ = ch.Send(model.Failed(orig, err))
}

// ReplySuccess sends a `<orig>:success` acknowledgement to the originating
// channel only; the broadcast delta is a separate Broadcast call.
func ReplySuccess(ch *multiplex.Channel, orig string, params any) {
	_ = ch.Send(model.Success(orig, params))
}

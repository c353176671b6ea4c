// Package hub wires every other internal package into the single
// multiplex.Dispatcher the socket layer talks to (spec §4.2/§4.8/§9): it
// routes each channel's commands to the session store, the resource
// registry/subscription handlers, the device manager, and the RPC service
// dispatcher, and reports device twin changes back out to subscribers.
// Grounded on the teacher's cmd/blizzardgw wiring of its ws.Handler to a
// single top-level Hub-ish dispatcher, generalized from blizzardgw's single
// concern (WRP routing) to the full command surface spec §6 names.
package hub

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/quickhub-go/hubd/internal/device"
	"github.com/quickhub-go/hubd/internal/metrics"
	"github.com/quickhub-go/hubd/internal/model"
	"github.com/quickhub-go/hubd/internal/multiplex"
	"github.com/quickhub-go/hubd/internal/notify"
	"github.com/quickhub-go/hubd/internal/resource"
	"github.com/quickhub-go/hubd/internal/rpcsvc"
	"github.com/quickhub-go/hubd/internal/session"
	"github.com/quickhub-go/hubd/internal/storage"
	"github.com/quickhub-go/hubd/internal/subscription"
)

// channelResource is the one resource a channel is currently attached to.
// Per spec §6, every modifier command after `<type>:attach` carries no
// descriptor of its own — the channel's uuid is the addressing context —
// so a channel can be attached to at most one resource at a time.
type channelResource struct {
	rtype   model.ResourceType
	qname   string
	handler *subscription.Handler
}

// Hub implements multiplex.Dispatcher and device.TwinEvents, and is the
// process-wide wiring point named DeviceManager/ResourceManager/AuthService
// consult through it (spec §9 "Singletons").
type Hub struct {
	logger   log.Logger
	sessions *session.Service
	auth     *session.StaticAuthenticator
	registry *resource.Registry
	devices  *device.Manager
	rpc      *rpcsvc.Dispatcher
	bus      *notify.Bus
	store    storage.Store

	handlersMu       sync.Mutex
	resourceHandlers map[string]*subscription.Handler // qname -> handler

	chanResMu    sync.Mutex
	chanResource map[string]*channelResource // channel ID -> attached resource

	deviceChanMu   sync.Mutex
	deviceChannels map[string]*device.SocketDevice // channel ID -> socket device
	channelDevUUID map[string]string               // channel ID -> device uuid

	pendingMu     sync.Mutex
	pendingDevice map[string]*multiplex.Channel // device RPC cbID -> originating channel
}

// New builds a Hub and registers it as sessions' CloseListener, so every
// resource subscription and device RPC waiting on a channel is cleaned up
// the moment a session closes (spec §4.8 step 5).
//
// devices is set separately via SetDevices: device.NewManager itself takes
// a TwinEvents implementation, and Hub is that implementation, so the two
// are built in two steps by the caller (construct Hub, construct the
// Manager with Hub as its events sink, then SetDevices) rather than forcing
// one of them into a premature, partially-built state.
func New(logger log.Logger, sessions *session.Service, auth *session.StaticAuthenticator, registry *resource.Registry, rpc *rpcsvc.Dispatcher, bus *notify.Bus, store storage.Store) *Hub {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	h := &Hub{
		logger:           logger,
		sessions:         sessions,
		auth:             auth,
		registry:         registry,
		rpc:              rpc,
		bus:              bus,
		store:            store,
		resourceHandlers: make(map[string]*subscription.Handler),
		chanResource:     make(map[string]*channelResource),
		deviceChannels:   make(map[string]*device.SocketDevice),
		channelDevUUID:   make(map[string]string),
		pendingDevice:    make(map[string]*multiplex.Channel),
	}
	sessions.OnSessionClosed(h.onSessionClosed)
	return h
}

// SetDevices completes Hub's wiring to the device manager (see New).
func (h *Hub) SetDevices(devices *device.Manager) { h.devices = devices }

func (h *Hub) onSessionClosed(identityID, token string) {
	h.handlersMu.Lock()
	handlers := make([]*subscription.Handler, 0, len(h.resourceHandlers))
	for _, hd := range h.resourceHandlers {
		handlers = append(handlers, hd)
	}
	h.handlersMu.Unlock()
	for _, hd := range handlers {
		hd.DetachToken(token)
	}
	metrics.SessionsActive.Dec()
}

// HandleMessage implements multiplex.Dispatcher.
func (h *Hub) HandleMessage(ch *multiplex.Channel, msg *model.Message) {
	h.deviceChanMu.Lock()
	sd, isDevice := h.deviceChannels[ch.ID]
	h.deviceChanMu.Unlock()
	if isDevice {
		sd.HandleInbound(msg)
		return
	}

	switch msg.Namespace() {
	case "connection":
		// Connection already created the channel before dispatching this
		// message (multiplex.Connection.route); nothing further to do.
	case "ping":
		_ = ch.Send(&model.Message{Command: "pong"})
	case "user":
		h.handleUserCommand(ch, msg)
	case "node":
		h.handleNodeRegister(ch, msg)
	case "call":
		h.rpc.HandleCall(ch, msg, msg.Token)
	case string(model.ResourceList):
		h.handleListCommand(ch, msg)
	case string(model.ResourceObject):
		h.handleObjectCommand(ch, msg, model.ResourceObject)
	case string(model.ResourceSettings):
		h.handleObjectCommand(ch, msg, model.ResourceSettings)
	case string(model.ResourceImage):
		h.handleImageCommand(ch, msg)
	case string(model.ResourceDevice):
		h.handleDeviceCommand(ch, msg)
	default:
		level.Debug(h.logger).Log("msg", "unhandled command", "command", msg.Command)
	}
}

// HandleChannelClosed implements multiplex.Dispatcher: tear down whatever
// this channel was attached to (resource subscription, device transport, or
// pending RPC cbIDs), per spec §4.8 step 4/§4.9 disconnect/§4.10.
func (h *Hub) HandleChannelClosed(ch *multiplex.Channel) {
	h.chanResMu.Lock()
	cr := h.chanResource[ch.ID]
	delete(h.chanResource, ch.ID)
	h.chanResMu.Unlock()
	if cr != nil {
		cr.handler.Detach(ch.ID)
	}

	h.deviceChanMu.Lock()
	uuid, wasDevice := h.channelDevUUID[ch.ID]
	delete(h.deviceChannels, ch.ID)
	delete(h.channelDevUUID, ch.ID)
	h.deviceChanMu.Unlock()
	if wasDevice {
		h.devices.DeregisterTransport(uuid)
	}

	h.purgeDeviceCalls(ch.ID)
	h.rpc.PurgeChannel(ch.ID)
}

// HandleConnectionClosed implements multiplex.Dispatcher. Connection itself
// has already called HandleChannelClosed for every channel it owned, so
// there is nothing left to tear down here.
func (h *Hub) HandleConnectionClosed(*multiplex.Connection) {}

func (h *Hub) purgeDeviceCalls(channelID string) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	for cbID, ch := range h.pendingDevice {
		if ch.ID == channelID {
			delete(h.pendingDevice, cbID)
		}
	}
}

// getOrCreateHandler resolves the subscription.Handler for (rtype,
// descriptor), creating the underlying resource and its handler on first
// attach. created reports whether this call made a new, still-memberless
// handler, so a caller whose Attach then fails knows to release it.
func (h *Hub) getOrCreateHandler(rtype model.ResourceType, descriptor, token string) (hd *subscription.Handler, identity model.Identity, created bool, herr *model.HubError) {
	identity = h.sessions.ValidateToken(token)
	if identity == nil {
		return nil, nil, false, model.NewHubError(model.ErrInvalidToken, "")
	}
	qname := model.QualifiedName(rtype, descriptor, identity.IdentityID())

	h.handlersMu.Lock()
	if existing, ok := h.resourceHandlers[qname]; ok {
		h.handlersMu.Unlock()
		return existing, identity, false, nil
	}
	h.handlersMu.Unlock()

	handle, herr := h.registry.GetOrCreate(rtype, descriptor, token)
	if herr != nil {
		return nil, identity, false, herr
	}

	h.handlersMu.Lock()
	if existing, ok := h.resourceHandlers[qname]; ok {
		h.handlersMu.Unlock()
		handle.Release() // lost the race; drop the redundant handle
		return existing, identity, false, nil
	}
	hd = subscription.NewHandler(h.logger, string(rtype), qname, handle, h.onHandlerEmpty)
	h.resourceHandlers[qname] = hd
	h.handlersMu.Unlock()
	metrics.ResourceInstancesActive.Set(float64(h.registry.Count()))
	return hd, identity, true, nil
}

func (h *Hub) onHandlerEmpty(hd *subscription.Handler) {
	qname := hd.Resource().QualifiedName()
	h.handlersMu.Lock()
	delete(h.resourceHandlers, qname)
	h.handlersMu.Unlock()
	metrics.ResourceInstancesActive.Set(float64(h.registry.Count()))
}

func (h *Hub) setChannelResource(channelID string, rtype model.ResourceType, qname string, hd *subscription.Handler) {
	h.chanResMu.Lock()
	defer h.chanResMu.Unlock()
	h.chanResource[channelID] = &channelResource{rtype: rtype, qname: qname, handler: hd}
}

func (h *Hub) getChannelResource(channelID string) *channelResource {
	h.chanResMu.Lock()
	defer h.chanResMu.Unlock()
	return h.chanResource[channelID]
}

func (h *Hub) clearChannelResource(channelID string) {
	h.chanResMu.Lock()
	defer h.chanResMu.Unlock()
	delete(h.chanResource, channelID)
}

// canWrite reports whether identity may mutate r, for the resource kinds
// (list, object/settings, image collection) that expose a CanWrite policy
// distinct from CanRead. A kind without one (the device twin resource)
// allows any reader to write.
func canWrite(r resource.Resource, identity model.Identity) bool {
	if w, ok := r.(interface {
		CanWrite(model.Identity) bool
	}); ok {
		return w.CanWrite(identity)
	}
	return true
}

// PropertyChanged implements device.TwinEvents (spec §4.9's upward half).
// A name of the form "."+cbID reports a device message: if cbID was
// registered by a prior device:call, it is routed to that one channel only
// and the pending entry is cleared; otherwise it is broadcast to every
// subscriber as an unsolicited device message. device:call registers a cbID
// for every call, generating one when the caller supplies none, so the
// reply to a call is never broadcast.
func (h *Hub) PropertyChanged(uuid, name string, value any, dirty bool, fromClient bool) {
	descriptor, ok := h.devices.DescriptorForUUID(uuid)
	if !ok {
		return
	}
	qname := model.QualifiedName(model.ResourceDevice, descriptor, "")

	if len(name) > 0 && name[0] == '.' {
		cbID := name[1:]
		h.pendingMu.Lock()
		ch, pending := h.pendingDevice[cbID]
		if pending {
			delete(h.pendingDevice, cbID)
		}
		h.pendingMu.Unlock()
		if pending {
			payload := map[string]any{"cbID": cbID, "data": value}
			_ = ch.Send(model.Delta("device:call:response", payload, true))
			return
		}
		h.broadcastDevice(qname, "device:msg", map[string]any{"subject": cbID, "data": value})
		return
	}

	payload := map[string]any{"property": name, "value": value, "real": !fromClient, "dirty": dirty}
	h.broadcastDevice(qname, "device:prop:set", payload)
	if h.bus != nil {
		h.bus.Publish(notify.Event{ResourceType: string(model.ResourceDevice), QualifiedName: qname, Change: "device:prop:set", Payload: payload})
	}
}

// StateChanged implements device.TwinEvents.
func (h *Hub) StateChanged(uuid string, state model.DeviceState) {
	metrics.DeviceTwinsByState.WithLabelValues(string(state)).Inc()
	descriptor, ok := h.devices.DescriptorForUUID(uuid)
	if !ok {
		return
	}
	qname := model.QualifiedName(model.ResourceDevice, descriptor, "")
	payload := map[string]any{"state": state}
	h.broadcastDevice(qname, "device:state", payload)
	if h.bus != nil {
		h.bus.Publish(notify.Event{ResourceType: string(model.ResourceDevice), QualifiedName: qname, Change: "device:state", Payload: payload})
	}
}

func (h *Hub) broadcastDevice(qname, command string, payload any) {
	h.handlersMu.Lock()
	hd := h.resourceHandlers[qname]
	h.handlersMu.Unlock()
	if hd == nil {
		return
	}
	hd.Broadcast(command, payload, "")
}

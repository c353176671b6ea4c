package hub

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/quickhub-go/hubd/internal/device"
	"github.com/quickhub-go/hubd/internal/metrics"
	"github.com/quickhub-go/hubd/internal/model"
	"github.com/quickhub-go/hubd/internal/multiplex"
	"github.com/quickhub-go/hubd/internal/resource"
	"github.com/quickhub-go/hubd/internal/subscription"
)

// handleNodeRegister implements `node:register` (spec §4.9 "Registration"):
// the device side of a channel introduces itself with its uuid, short id,
// type, auth key, advertised functions and properties. A Twin is fetched or
// created (it may already exist if something was hooked to it before it
// ever connected) and the channel is bound as its live Transport.
func (h *Hub) handleNodeRegister(ch *multiplex.Channel, msg *model.Message) {
	var body struct {
		ID         string                      `json:"id"`
		ShortID    string                      `json:"sid"`
		Type       string                      `json:"type"`
		Key        uint32                      `json:"key"`
		Functions  []model.FunctionDescriptor  `json:"functions"`
		Properties map[string]any              `json:"properties"`
	}
	if err := json.Unmarshal(msg.Params(), &body); err != nil || body.ID == "" {
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrInvalidParameters, ""))
		return
	}

	twin := h.devices.EnsureTwin(body.ID)
	sd := device.NewSocketDevice(ch, twin)
	sd.Init(body.ID, body.ShortID, body.Type, body.Key, body.Functions, body.Properties)

	if !h.devices.RegisterTransport(sd) {
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrPermissionDenied, "wrong authentication key"))
		return
	}

	h.deviceChanMu.Lock()
	h.deviceChannels[ch.ID] = sd
	h.channelDevUUID[ch.ID] = body.ID
	h.deviceChanMu.Unlock()

	// Device connections get a 30 s ping interval with a 10 s timeout (spec
	// §4.9); client connections run with no keepalive enabled.
	ch.Connection().EnableKeepAlive(30*time.Second, 10*time.Second)

	subscription.ReplySuccess(ch, msg.Command, nil)
}

func buildDeviceDump(r resource.Resource) *model.Message {
	tr := r.(*device.TwinResource)
	rec := tr.Twin().Dump()
	data := make(map[string]any, len(rec.Properties))
	for name, p := range rec.Properties {
		data[name] = p.Val
	}
	raw, _ := json.Marshal(map[string]any{"data": data})
	return &model.Message{Command: "device:dump", Parameters: raw}
}

// handleDeviceCommand routes the `device:*` namespace: attach/detach reuse
// the generic resource plumbing via device.TwinResource; setproperty and
// call reach into the Twin directly (spec §4.9).
func (h *Hub) handleDeviceCommand(ch *multiplex.Channel, msg *model.Message) {
	switch msg.Verb() {
	case "attach":
		h.attach(ch, msg, model.ResourceDevice, buildDeviceDump)
		return
	case "detach":
		h.detach(ch, msg, model.ResourceDevice)
		return
	}

	cr := h.requireAttached(ch, msg, model.ResourceDevice)
	if cr == nil {
		return
	}
	identity := h.sessions.ValidateToken(msg.Token)
	if identity == nil {
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrInvalidToken, ""))
		return
	}
	tr := cr.handler.Resource().(*device.TwinResource)
	twin := tr.Twin()

	switch msg.Verb() {
	case "dump":
		_ = ch.Send(buildDeviceDump(tr))
	case "setproperty":
		var body struct {
			Property string `json:"property"`
			Value    any    `json:"value"`
		}
		_ = json.Unmarshal(msg.Params(), &body)
		if derr := twin.SetDeviceProperty(identity, body.Property, body.Value); derr != nil {
			subscription.ReplyFailed(ch, msg.Command, deviceErrorToHub(derr))
			return
		}
		subscription.ReplySuccess(ch, msg.Command, nil)
	case "call":
		h.deviceCall(ch, msg, twin, identity)
	default:
		subscription.ReplyFailed(ch, msg.Command, model.NewHubError(model.ErrNotSupported, msg.Command))
	}
}

// deviceCall implements spec §4.9/§4.10's triggerFunction: a caller-supplied
// cbID (or one generated here) is recorded against this channel so the
// device's eventual `{cmd:"msg", params:{subject:cbID}}` reply is routed
// back here alone instead of broadcast to every subscriber.
func (h *Hub) deviceCall(ch *multiplex.Channel, msg *model.Message, twin *device.Twin, identity model.Identity) {
	var body struct {
		Name   string         `json:"name"`
		Params map[string]any `json:"params"`
		CbID   string         `json:"cbID"`
	}
	_ = json.Unmarshal(msg.Params(), &body)

	cbID := body.CbID
	if cbID == "" {
		cbID = uuid.NewString()
	}
	h.pendingMu.Lock()
	h.pendingDevice[cbID] = ch
	h.pendingMu.Unlock()

	started := time.Now()
	if derr := twin.TriggerFunction(identity, body.Name, body.Params, cbID); derr != nil {
		h.pendingMu.Lock()
		delete(h.pendingDevice, cbID)
		h.pendingMu.Unlock()
		metrics.DeviceRPCLatency.WithLabelValues(body.Name, "error").Observe(time.Since(started).Seconds())
		subscription.ReplyFailed(ch, msg.Command, deviceErrorToHub(derr))
		return
	}
	metrics.DeviceRPCLatency.WithLabelValues(body.Name, "sent").Observe(time.Since(started).Seconds())
	subscription.ReplySuccess(ch, msg.Command, map[string]any{"cbID": cbID})
}

// deviceErrorToHub maps the device package's own closed enum onto the wire
// HubCode enum, since model.Message.ErrorCode is typed *HubCode and the two
// packages deliberately keep separate enums (spec §6 "Error codes").
func deviceErrorToHub(err *model.DeviceError) *model.HubError {
	switch err.Code() {
	case model.ErrDevicePermissionDenied:
		return model.NewHubError(model.ErrPermissionDenied, err.ErrorString())
	case model.ErrFunctionNotExist:
		return model.NewHubError(model.ErrNotSupported, err.ErrorString())
	case model.ErrPropertyNotExists:
		return model.NewHubError(model.ErrUnknownItem, err.ErrorString())
	default:
		return model.NewHubError(model.ErrStorageError, err.ErrorString())
	}
}

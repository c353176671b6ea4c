package device

import (
	"sync"

	"github.com/quickhub-go/hubd/internal/model"
	"github.com/quickhub-go/hubd/internal/multiplex"
)

// SocketDevice is a Transport bound to one multiplex.Channel: a physical
// device connected directly over the same WebSocket protocol as any other
// client (spec §4.9 "Reconstruct an in-memory SocketDevice bound to the
// current channel"). Grounded on original_source SocketDevice.{h,cpp};
// rather than a bespoke {cmd,params} wire shape, device control frames
// reuse model.Message with Command set to "call"/"msg"/"set"/"init"/
// "setkey" — the same envelope every other channel already speaks.
type SocketDevice struct {
	ch      *multiplex.Channel
	inbound InboundHandler

	mu         sync.RWMutex
	uuid       string
	shortID    string
	deviceType string
	authKey    uint32
	functions  []model.FunctionDescriptor
	properties map[string]any
}

// NewSocketDevice constructs a Transport bound to ch; call Init with the
// "node:register" payload before use. inbound receives messages the device
// sends afterward.
func NewSocketDevice(ch *multiplex.Channel, inbound InboundHandler) *SocketDevice {
	return &SocketDevice{ch: ch, inbound: inbound}
}

// Init populates the device's identity from the node:register payload.
func (d *SocketDevice) Init(uuid, shortID, deviceType string, authKey uint32, functions []model.FunctionDescriptor, properties map[string]any) {
	d.mu.Lock()
	d.uuid = uuid
	d.shortID = shortID
	d.deviceType = deviceType
	d.authKey = authKey
	d.functions = functions
	d.properties = properties
	d.mu.Unlock()
}

func (d *SocketDevice) UUID() string    { d.mu.RLock(); defer d.mu.RUnlock(); return d.uuid }
func (d *SocketDevice) ShortID() string { d.mu.RLock(); defer d.mu.RUnlock(); return d.shortID }
func (d *SocketDevice) Type() string    { d.mu.RLock(); defer d.mu.RUnlock(); return d.deviceType }
func (d *SocketDevice) AuthKey() uint32 { d.mu.RLock(); defer d.mu.RUnlock(); return d.authKey }

func (d *SocketDevice) Functions() []model.FunctionDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.FunctionDescriptor, len(d.functions))
	copy(out, d.functions)
	return out
}

func (d *SocketDevice) Properties() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]any, len(d.properties))
	for k, v := range d.properties {
		out[k] = v
	}
	return out
}

func (d *SocketDevice) hasFunction(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, f := range d.functions {
		if f.Name == name {
			return true
		}
	}
	return false
}

// TriggerFunction forwards {command:"call", parameters:{<name>:<params>}}
// to the device (spec §4.9/§4.10, original SocketDevice::triggerFunction).
func (d *SocketDevice) TriggerFunction(name string, params map[string]any, cbID string) *model.DeviceError {
	if !d.hasFunction(name) {
		return model.NewDeviceError(model.ErrFunctionNotExist, "")
	}
	msg := &model.Message{Command: "call"}
	payload := map[string]any{name: params}
	if cbID != "" {
		payload["cbID"] = cbID
	}
	raw, _ := marshalParams(payload)
	msg.Parameters = raw
	if err := d.ch.Send(msg); err != nil {
		return model.NewDeviceError(model.ErrDeviceNotAvailable, err.Error())
	}
	return nil
}

// setterFuncName mirrors SocketDevice::getPropertySetterFunc: "on" -> "setOn".
func setterFuncName(property string) string {
	if property == "" {
		return "set"
	}
	upper := property[:1]
	if upper >= "a" && upper <= "z" {
		upper = string(upper[0] - 'a' + 'A')
	}
	return "set" + upper + property[1:]
}

func (d *SocketDevice) SetDeviceProperty(name string, value any) *model.DeviceError {
	return d.TriggerFunction(setterFuncName(name), map[string]any{"val": value}, "")
}

// InitDevice pushes {command:"init", parameters:[{func, args:{val}}, ...]}
// for each still-dirty property (spec §4.9 step 2).
func (d *SocketDevice) InitDevice(desired map[string]any) *model.DeviceError {
	var functions []map[string]any
	for name, val := range desired {
		fn := setterFuncName(name)
		if !d.hasFunction(fn) {
			continue
		}
		functions = append(functions, map[string]any{
			"func": fn,
			"args": map[string]any{"val": val},
		})
	}
	raw, _ := marshalParams(functions)
	return toDeviceErr(d.ch.Send(&model.Message{Command: "init", Parameters: raw}))
}

// Close does not close the underlying channel; the channel stays open until
// its peer disconnects or its connection is torn down.
func (d *SocketDevice) Close() {
	_ = d.ch.Connection()
}

// HandleInbound dispatches a device-originated frame (command "msg" or
// "set") to the owning Twin via inbound.
func (d *SocketDevice) HandleInbound(msg *model.Message) {
	if d.inbound == nil {
		return
	}
	switch msg.Command {
	case "msg":
		var p struct {
			Subject string         `json:"subject"`
			Data    map[string]any `json:"data"`
		}
		_ = unmarshalParams(msg.Params(), &p)
		d.inbound.OnDataReceived(p.Subject, p.Data)
	case "set":
		var p map[string]any
		_ = unmarshalParams(msg.Params(), &p)
		for k, v := range p {
			d.inbound.OnPropertyChanged(k, v)
		}
	}
}

func toDeviceErr(err error) *model.DeviceError {
	if err == nil {
		return nil
	}
	return model.NewDeviceError(model.ErrDeviceNotAvailable, err.Error())
}

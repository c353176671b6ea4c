// Package device implements spec §4.9/§4.10: device twins (persistent
// shadows of physical devices), their live Transport binding, the
// process-wide DeviceManager, and RPC callback routing. Grounded on
// original_source/src/Server/Devices/{DeviceHandle,DeviceProperty}.{h,cpp}
// and SocketApi/Devices/SocketDevice.cpp.
package device

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/quickhub-go/hubd/internal/model"
	"github.com/quickhub-go/hubd/internal/storage"
)

// TwinEvents is how a Twin reports changes upward to whatever is
// broadcasting them to subscribers (normally hub.Hub, which forwards them
// to the subscription handlers).
// Kept as a narrow interface here so this package has no dependency on
// internal/subscription.
type TwinEvents interface {
	PropertyChanged(uuid, name string, value any, dirty bool, fromClient bool)
	StateChanged(uuid string, state model.DeviceState)
}

// FirmwareLookup resolves a download URL and version for a device type
// (spec §4.11). Declared locally, structurally satisfied by
// notify.HTTPFirmwareLookup, so this package does not import internal/notify.
type FirmwareLookup interface {
	Lookup(ctx context.Context, deviceType string, currentVersion int) (url string, version int, found bool, err error)
}

// PermissionChecker gates property writes and RPC calls per device type
// (original DevicePermissionManager). A nil checker allows everything.
type PermissionChecker interface {
	CanWriteProperty(identity model.Identity, property string) bool
	CanCall(identity model.Identity, function string) bool
}

// Twin is the DeviceHandle equivalent: the persistent, addressable shadow
// of a device that outlives any single connection.
type Twin struct {
	uuid string

	logger   log.Logger
	store    storage.Store
	events   TwinEvents
	checker  PermissionChecker
	firmware FirmwareLookup

	mu              sync.RWMutex
	transport       Transport
	state           model.DeviceState
	properties      map[string]*Property
	functions       []model.FunctionDescriptor
	deviceType      string
	shortID         string
	description     string
	authKey         uint32
	enableAuthCheck bool
	firmwareVersion int
	lastOnline      int64
}

func NewTwin(uuid string, logger log.Logger, store storage.Store, events TwinEvents) *Twin {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	t := &Twin{
		uuid:       uuid,
		logger:     logger,
		store:      store,
		events:     events,
		state:      model.DeviceOffline,
		properties: make(map[string]*Property),
	}
	t.loadLocked()
	return t
}

func (t *Twin) UUID() string { return t.uuid }

func (t *Twin) State() model.DeviceState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Twin) IsOnline() bool { return t.State() == model.DeviceOnline }

func (t *Twin) SetPermissionChecker(c PermissionChecker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checker = c
}

func (t *Twin) loadLocked() {
	if t.store == nil {
		return
	}
	var rec model.DeviceRecord
	ok, err := t.store.Load(context.Background(), "device:"+t.uuid, &rec)
	if err != nil {
		level.Warn(t.logger).Log("msg", "failed to load twin", "uuid", t.uuid, "err", err)
		return
	}
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deviceType = rec.Type
	t.shortID = rec.ShortID
	t.functions = rec.Functions
	t.description = rec.Description
	t.authKey = rec.AuthKey
	t.enableAuthCheck = rec.EnableAuthKey
	t.firmwareVersion = rec.FirmwareVersion
	t.lastOnline = rec.LastOnline
	for name, pr := range rec.Properties {
		t.properties[name] = NewPropertyFromRecord(name, t.propertyEventsAdapter(name), pr)
	}
}

// propertyEventsAdapter bridges Property's three callbacks up to
// TwinEvents.PropertyChanged plus persistence, without Property needing to
// know about Twin.
func (t *Twin) propertyEventsAdapter(name string) PropertyEvents {
	return &propertyBridge{twin: t, name: name}
}

type propertyBridge struct {
	twin *Twin
	name string
}

func (b *propertyBridge) RealValueChanged(name string, value any, dirty bool, _ int64) {
	b.twin.persist()
	if b.twin.events != nil {
		b.twin.events.PropertyChanged(b.twin.uuid, name, value, dirty, false)
	}
}

func (b *propertyBridge) SetValueChanged(name string, value any, dirty bool) {
	b.twin.persist()
	if b.twin.events != nil {
		b.twin.events.PropertyChanged(b.twin.uuid, name, value, dirty, true)
	}
}

func (b *propertyBridge) Confirmed(string, int64, bool) {
	b.twin.persist()
}

func (t *Twin) persist() {
	if t.store == nil {
		return
	}
	rec := t.toRecord()
	if err := t.store.Save(context.Background(), "device:"+t.uuid, &rec); err != nil {
		level.Warn(t.logger).Log("msg", "failed to persist twin", "uuid", t.uuid, "err", err)
	}
}

func (t *Twin) toRecord() model.DeviceRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	props := make(map[string]model.DevicePropertyRecord, len(t.properties))
	for name, p := range t.properties {
		props[name] = p.ToRecord()
	}
	return model.DeviceRecord{
		UUID:            t.uuid,
		Type:            t.deviceType,
		ShortID:         t.shortID,
		Functions:       append([]model.FunctionDescriptor(nil), t.functions...),
		Properties:      props,
		Description:     t.description,
		AuthKey:         t.authKey,
		EnableAuthKey:   t.enableAuthCheck,
		FirmwareVersion: t.firmwareVersion,
		LastOnline:      t.lastOnline,
	}
}

// Dump returns the snapshot an attaching client receives (spec §4.8 step 2
// applied to the "device" resource kind, spec §4.9).
func (t *Twin) Dump() model.DeviceRecord { return t.toRecord() }

// property returns the named property, creating it if unseen.
func (t *Twin) property(name string) *Property {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.properties[name]; ok {
		return p
	}
	p := NewProperty(name, t.propertyEventsAdapter(name))
	t.properties[name] = p
	return p
}

// AuthKey/EnableAuthCheck/GenerateAuthKey implement spec §4.9
// "Authentication key": a 32-bit random key generated at first hook.
func (t *Twin) AuthKey() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.authKey
}

func (t *Twin) EnsureAuthKey() {
	t.mu.Lock()
	if t.authKey == 0 {
		t.authKey = rand.Uint32()
		t.enableAuthCheck = true
	}
	t.mu.Unlock()
	t.persist()
}

// AttachTransport binds a live Transport to the twin (spec §4.9
// "Registration" step 1). If enableAuthCheck is set and the supplied
// transport's AuthKey disagrees with the stored one, the attach is
// rejected (logged, not propagated — original behavior is silent reject).
func (t *Twin) AttachTransport(tr Transport) bool {
	t.mu.Lock()
	if t.enableAuthCheck && t.authKey != 0 && tr.AuthKey() != t.authKey {
		t.mu.Unlock()
		level.Warn(t.logger).Log("msg", "wrong authentication key, device rejected", "uuid", t.uuid)
		return false
	}
	old := t.transport
	t.transport = tr
	t.deviceType = tr.Type()
	t.shortID = tr.ShortID()
	t.functions = tr.Functions()
	t.state = model.DeviceOnline
	t.mu.Unlock()

	if old != nil {
		old.Close()
	}

	t.reconcile(tr.Properties())
	t.persist()

	if t.events != nil {
		t.events.StateChanged(t.uuid, model.DeviceOnline)
	}
	return true
}

// DetachTransport is called on channel/connection close (spec §4.9's
// implicit "device goes OFFLINE on disconnect", grounded on
// DeviceHandle::deviceDeregistered).
func (t *Twin) DetachTransport() {
	t.mu.Lock()
	if t.transport == nil {
		t.mu.Unlock()
		return
	}
	t.transport = nil
	t.state = model.DeviceOffline
	t.lastOnline = time.Now().UnixMilli()
	t.mu.Unlock()

	t.persist()
	if t.events != nil {
		t.events.StateChanged(t.uuid, model.DeviceOffline)
	}
}

// reconcile implements spec §4.9 "Reconciliation on (re)attach": for every
// advertised property, call setRealValue(value, keepDirty=true); afterward
// collect still-dirty properties and push them back as desired values.
func (t *Twin) reconcile(advertised map[string]any) {
	for name, val := range advertised {
		t.property(name).SetRealValue(val, true)
	}

	t.mu.RLock()
	desired := make(map[string]any)
	for name, p := range t.properties {
		if p.IsDirty() {
			desired[name] = p.SetValueField()
		}
	}
	tr := t.transport
	t.mu.RUnlock()

	if tr != nil && len(desired) > 0 {
		_ = tr.InitDevice(desired)
	}
}

// SetDeviceProperty implements spec §4.9 "Client writes to a property".
func (t *Twin) SetDeviceProperty(identity model.Identity, name string, value any) *model.DeviceError {
	t.mu.RLock()
	checker := t.checker
	t.mu.RUnlock()
	if checker != nil && !checker.CanWriteProperty(identity, name) {
		return model.NewDeviceError(model.ErrDevicePermissionDenied, "")
	}

	prop := t.property(name)
	prop.SetValue(value)

	t.mu.RLock()
	tr := t.transport
	online := t.state == model.DeviceOnline
	t.mu.RUnlock()

	if !online || tr == nil {
		t.persist()
		return nil
	}
	return tr.SetDeviceProperty(name, value)
}

// OnPropertyChanged implements InboundHandler: a device-side "set" frame
// reports a real value update.
func (t *Twin) OnPropertyChanged(name string, value any) {
	t.property(name).SetRealValue(value, false)
}

// OnDataReceived implements InboundHandler: a device-side "msg" frame,
// either an RPC reply correlated by cbID or an unsolicited broadcast.
func (t *Twin) OnDataReceived(subject string, data map[string]any) {
	if t.events != nil {
		t.events.PropertyChanged(t.uuid, "."+subject, data, false, false)
	}
}

func (t *Twin) OnDisconnected() { t.DetachTransport() }

// TriggerFunction implements spec §4.9 "RPC".
func (t *Twin) TriggerFunction(identity model.Identity, name string, params map[string]any, cbID string) *model.DeviceError {
	t.mu.RLock()
	checker := t.checker
	tr := t.transport
	online := t.state == model.DeviceOnline
	t.mu.RUnlock()

	if checker != nil && !checker.CanCall(identity, name) {
		return model.NewDeviceError(model.ErrDevicePermissionDenied, "")
	}
	if !online || tr == nil {
		return model.NewDeviceError(model.ErrDeviceNotAvailable, "")
	}
	if identity != nil {
		if params == nil {
			params = map[string]any{}
		}
		params["caller"] = identity.IdentityID()
	}
	return tr.TriggerFunction(name, params, cbID)
}

// SetFirmwareLookup wires the firmware-update HTTP collaborator (spec
// §4.11); nil disables the resolution step and StartFirmwareUpdate
// forwards args as given.
func (t *Twin) SetFirmwareLookup(fl FirmwareLookup) {
	t.mu.Lock()
	t.firmware = fl
	t.mu.Unlock()
}

// StartFirmwareUpdate implements spec §4.9 "Firmware update": if a
// FirmwareLookup is wired, it resolves a download URL/version for this
// twin's device type before forwarding ".fwupdate" to the device.
func (t *Twin) StartFirmwareUpdate(args map[string]any) *model.DeviceError {
	t.mu.RLock()
	fl := t.firmware
	deviceType := t.deviceType
	t.mu.RUnlock()

	if fl != nil {
		if args == nil {
			args = map[string]any{}
		}
		url, version, found, err := fl.Lookup(context.Background(), deviceType, t.FirmwareVersion())
		if err == nil && found {
			args["url"] = url
			args["version"] = version
		}
	}
	return t.TriggerFunction(nil, ".fwupdate", args, "")
}

// FirmwareVersion parses the ".fwvers" property as major*1000+minor (spec
// §4.9), matching original SocketDevice::getFirmwareVersion.
func (t *Twin) FirmwareVersion() int {
	v := t.property(".fwvers").RealValue()
	s, ok := v.(string)
	if !ok || s == "" {
		return -1
	}
	var major, minor int
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			minor = parseIntPrefix(s[i+1:])
			major = parseIntPrefix(s[:i])
			break
		}
	}
	return major*1000 + minor
}

func parseIntPrefix(s string) int {
	n := 0
	for i := 0; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		n = n*10 + int(s[i]-'0')
	}
	return n
}

func (t *Twin) SetDescription(desc string) {
	t.mu.Lock()
	t.description = desc
	t.mu.Unlock()
	t.persist()
}

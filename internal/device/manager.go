package device

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/quickhub-go/hubd/internal/model"
	"github.com/quickhub-go/hubd/internal/storage"
)

// PermissionManageDevices gates hook/unhook administrative operations
// (spec §4.9 "Twin lifecycle ... administrative operation gated on
// MANAGE_DEVICES").
const PermissionManageDevices = "MANAGE_DEVICES"

// Manager is the process-wide DeviceManager singleton (spec §9), tracking
// live transports by uuid, twins by uuid, and the descriptor->uuid mapping
// table (spec §3 "Mapping table").
type Manager struct {
	logger log.Logger
	store  storage.Store
	events TwinEvents

	mu          sync.RWMutex
	transports  map[string]Transport
	twins       map[string]*Twin
	mappings    map[string]string // descriptor -> uuid
	reverseMaps map[string]string // uuid -> descriptor
	firmware    FirmwareLookup
}

func NewManager(logger log.Logger, store storage.Store, events TwinEvents) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	m := &Manager{
		logger:      logger,
		store:       store,
		events:      events,
		transports:  make(map[string]Transport),
		twins:       make(map[string]*Twin),
		mappings:    make(map[string]string),
		reverseMaps: make(map[string]string),
	}
	m.loadMappings()
	return m
}

func (m *Manager) loadMappings() {
	if m.store == nil {
		return
	}
	var recs []model.MappingRecord
	ok, err := m.store.Load(context.Background(), "devicemappings", &recs)
	if err != nil {
		level.Warn(m.logger).Log("msg", "failed to load device mappings", "err", err)
		return
	}
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		m.mappings[r.Descriptor] = r.DeviceUUID
		m.reverseMaps[r.DeviceUUID] = r.Descriptor
	}
}

func (m *Manager) persistMappingsLocked() {
	if m.store == nil {
		return
	}
	recs := make([]model.MappingRecord, 0, len(m.mappings))
	for d, u := range m.mappings {
		recs = append(recs, model.MappingRecord{Descriptor: d, DeviceUUID: u})
	}
	_ = m.store.Save(context.Background(), "devicemappings", &recs)
}

// twinLocked returns the twin for uuid, creating (and loading from store)
// it if necessary. Callers must hold m.mu for writing.
func (m *Manager) twinLocked(uuid string) *Twin {
	if t, ok := m.twins[uuid]; ok {
		return t
	}
	t := NewTwin(uuid, m.logger, m.store, m.events)
	if m.firmware != nil {
		t.SetFirmwareLookup(m.firmware)
	}
	m.twins[uuid] = t
	return t
}

// SetFirmwareLookup wires the firmware-update HTTP collaborator (spec
// §4.11) onto every twin created from now on, and backfills it onto twins
// that already exist.
func (m *Manager) SetFirmwareLookup(fl FirmwareLookup) {
	m.mu.Lock()
	m.firmware = fl
	twins := make([]*Twin, 0, len(m.twins))
	for _, t := range m.twins {
		twins = append(twins, t)
	}
	m.mu.Unlock()
	for _, t := range twins {
		t.SetFirmwareLookup(fl)
	}
}

// EnsureTwin returns the twin for uuid, creating one if this is the first
// time it has been seen (spec §4.9 "Registration": a device may connect
// before anything hooks a mapping to it).
func (m *Manager) EnsureTwin(uuid string) *Twin {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.twinLocked(uuid)
}

// RegisterTransport implements spec §4.9 "Registration" steps 1 & 3: if a
// device with the same uuid was already registered, the old transport is
// replaced (after the twin's own auth-key check); the manager then emits
// deviceRegistered by attaching to the twin.
func (m *Manager) RegisterTransport(tr Transport) bool {
	uuid := tr.UUID()

	m.mu.Lock()
	twin := m.twinLocked(uuid)
	m.mu.Unlock()

	if !twin.AttachTransport(tr) {
		return false
	}
	m.mu.Lock()
	m.transports[uuid] = tr
	m.mu.Unlock()
	return true
}

// DeregisterTransport implements the disconnect path (grounded on
// DeviceHandle::deviceDeregistered): the twin goes OFFLINE but survives.
func (m *Manager) DeregisterTransport(uuid string) {
	m.mu.Lock()
	delete(m.transports, uuid)
	twin, ok := m.twins[uuid]
	m.mu.Unlock()
	if ok {
		twin.DetachTransport()
	}
}

// Twin returns the twin for uuid if one has been hooked or registered.
func (m *Manager) Twin(uuid string) (*Twin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.twins[uuid]
	return t, ok
}

// TwinForDescriptor resolves a hooked mapping to its twin (spec §4.9/§4.4,
// the "device" resource kind's factory).
func (m *Manager) TwinForDescriptor(descriptor string) (*Twin, bool) {
	m.mu.RLock()
	uuid, ok := m.mappings[descriptor]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return m.Twin(uuid)
}

// Hook creates (or reuses) the mapping descriptor->uuid, gated on
// MANAGE_DEVICES (spec §4.9 "Twin lifecycle"). A fresh auth key is
// generated for a never-before-hooked device.
func (m *Manager) Hook(identity model.Identity, descriptor, uuid string) *model.HubError {
	if identity == nil || !identity.IsAuthorizedTo(PermissionManageDevices) {
		return model.NewHubError(model.ErrPermissionDenied, "")
	}

	m.mu.Lock()
	m.mappings[descriptor] = uuid
	m.reverseMaps[uuid] = descriptor
	twin := m.twinLocked(uuid)
	m.persistMappingsLocked()
	m.mu.Unlock()

	twin.EnsureAuthKey()
	return nil
}

// Unhook removes the mapping; the twin instance survives as long as a
// subscriber still holds a reference (spec §4.9 "Twin lifecycle").
func (m *Manager) Unhook(identity model.Identity, descriptor string) *model.HubError {
	if identity == nil || !identity.IsAuthorizedTo(PermissionManageDevices) {
		return model.NewHubError(model.ErrPermissionDenied, "")
	}

	m.mu.Lock()
	uuid, ok := m.mappings[descriptor]
	if !ok {
		m.mu.Unlock()
		return model.NewHubError(model.ErrUnknownItem, "")
	}
	delete(m.mappings, descriptor)
	delete(m.reverseMaps, uuid)
	m.persistMappingsLocked()
	m.mu.Unlock()
	return nil
}

// DescriptorForUUID resolves the reverse mapping, used by TwinEvents
// forwarding to find which qualified name a uuid-addressed change belongs
// to (spec §4.9 reconciliation/property-change fan-out).
func (m *Manager) DescriptorForUUID(uuid string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.reverseMaps[uuid]
	return d, ok
}

// Mappings returns a snapshot of the descriptor->uuid table, for the admin
// surface and tests.
func (m *Manager) Mappings() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.mappings))
	for k, v := range m.mappings {
		out[k] = v
	}
	return out
}

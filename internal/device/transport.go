package device

import "github.com/quickhub-go/hubd/internal/model"

// Transport is the live connection to a physical or virtual device: either
// a SocketDevice bound to a multiplex.Channel (the common case, spec §4.9)
// or a WrpTransport bridging a XMiDT/WRP-speaking device (wrp_transport.go,
// wired from cmd/hubd when WRP_BRIDGE_ENABLE is set).
// A Twin holds at most one Transport at a time; when it is nil the twin is
// OFFLINE and writes are persisted but not forwarded.
type Transport interface {
	UUID() string
	ShortID() string
	Type() string
	AuthKey() uint32
	Functions() []model.FunctionDescriptor
	// Properties returns the snapshot advertised at registration time, used
	// for reconciliation (spec §4.9 "Reconciliation on (re)attach").
	Properties() map[string]any

	// TriggerFunction forwards an RPC call to the device. cbID, if non-
	// empty, is echoed back so the reply can be correlated (spec §4.10).
	TriggerFunction(name string, params map[string]any, cbID string) *model.DeviceError
	// SetDeviceProperty forwards a setter call for one property.
	SetDeviceProperty(name string, value any) *model.DeviceError
	// InitDevice pushes still-dirty properties back to the device after
	// reconciliation (spec §4.9 step 2).
	InitDevice(desired map[string]any) *model.DeviceError

	// Close tears down the transport, e.g. on channel disconnect.
	Close()
}

// InboundHandler is how a Transport reports messages it received from the
// physical device back to the owning Twin.
type InboundHandler interface {
	OnPropertyChanged(name string, value any)
	OnDataReceived(subject string, data map[string]any)
	OnDisconnected()
}

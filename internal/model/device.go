package model

// DeviceState is one of the twin lifecycle states named in spec §3.
type DeviceState string

const (
	DeviceOnline   DeviceState = "ONLINE"
	DeviceOffline  DeviceState = "OFFLINE"
	DeviceSleeping DeviceState = "SLEEPING"
	DeviceStandby  DeviceState = "STANDBY"
	DeviceUpdating DeviceState = "UPDATING"
	DeviceBusy     DeviceState = "BUSY"
)

// FunctionDescriptor is one RPC a device advertises at registration time.
type FunctionDescriptor struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// DevicePropertyRecord is the persisted shape of one DeviceProperty (spec
// §6 "Persisted layout": "properties (per-name {val, setVal, timestamp,
// dirty, metadata})").
type DevicePropertyRecord struct {
	Val       any      `json:"val"`
	SetVal    any      `json:"setVal"`
	Timestamp int64    `json:"timestamp"`
	Dirty     bool     `json:"dirty"`
	Metadata  Metadata `json:"metadata,omitempty"`
}

// DeviceRecord is the full persisted twin document (spec §6).
type DeviceRecord struct {
	UUID            string                          `json:"uuid"`
	Type            string                          `json:"type"`
	ShortID         string                          `json:"shortID"`
	Functions       []FunctionDescriptor            `json:"functions"`
	Properties      map[string]DevicePropertyRecord `json:"properties"`
	Description     string                          `json:"description"`
	AuthKey         uint32                           `json:"authkey"`
	EnableAuthKey   bool                             `json:"enableauthkey"`
	FirmwareVersion int                              `json:"firmwareVersion"`
	LastOnline      int64                            `json:"lastOnline"`
	Permissions     map[string]bool                  `json:"permissions,omitempty"`
}

// MappingRecord is one row of the descriptor->device-uuid mapping table
// (spec §3 "Mapping table").
type MappingRecord struct {
	Descriptor string `json:"descriptor"`
	DeviceUUID string `json:"uuid"`
}

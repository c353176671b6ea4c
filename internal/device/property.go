package device

import (
	"reflect"
	"sync"
	"time"

	"github.com/quickhub-go/hubd/internal/model"
)

// PropertyEvents receives the three notifications DeviceProperty emits in
// the original implementation (realValueChanged/setValueChanged/confirmed),
// always fired after the property's lock is released (spec §5 "DeviceProperty
// ... events are emitted after releasing it").
type PropertyEvents interface {
	RealValueChanged(name string, value any, dirty bool, timestamp int64)
	SetValueChanged(name string, value any, dirty bool)
	Confirmed(name string, timestamp int64, accepted bool)
}

// Property is the twin-side shadow of one device property: the last known
// real value, any pending desired value, and whether they currently
// disagree. Grounded on original_source DeviceProperty.{h,cpp}.
type Property struct {
	name   string
	events PropertyEvents

	mu        sync.RWMutex
	realValue any
	setValue  any
	timestamp int64
	dirty     bool
	metadata  model.Metadata
}

func NewProperty(name string, events PropertyEvents) *Property {
	return &Property{name: name, events: events, metadata: model.Metadata{}}
}

// NewPropertyFromRecord restores a property from its persisted form without
// firing events (used when loading a twin from storage).
func NewPropertyFromRecord(name string, events PropertyEvents, rec model.DevicePropertyRecord) *Property {
	return &Property{
		name:      name,
		events:    events,
		realValue: rec.Val,
		setValue:  rec.SetVal,
		timestamp: rec.Timestamp,
		dirty:     rec.Dirty,
		metadata:  rec.Metadata,
	}
}

func (p *Property) Name() string { return p.name }

// Value returns setValue while dirty, else realValue — the "effective"
// value a UI would show.
func (p *Property) Value() any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.dirty {
		return p.setValue
	}
	return p.realValue
}

func (p *Property) RealValue() any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.realValue
}

func (p *Property) SetValueField() any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.setValue
}

func (p *Property) IsDirty() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dirty
}

func (p *Property) Timestamp() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.timestamp
}

// SetRealValue updates the value reported by the device. If keepDirty is
// false, dirty clears and accepted reports whether the echoed value matched
// the pending setValue (spec §4.9 "Client writes to a property").
func (p *Property) SetRealValue(value any, keepDirty bool) {
	if !keepDirty {
		p.mu.RLock()
		accepted := reflect.DeepEqual(value, p.setValue)
		p.mu.RUnlock()
		p.SetDirty(false, accepted)
	}

	p.mu.Lock()
	p.realValue = value
	p.timestamp = time.Now().UnixMilli()
	dirty := p.dirty
	ts := p.timestamp
	p.mu.Unlock()

	if p.events != nil {
		p.events.RealValueChanged(p.name, value, dirty, ts)
	}
}

// SetDirty updates the dirty flag and, when it clears, fires Confirmed with
// whether the device's echoed value matched what was requested.
func (p *Property) SetDirty(dirty, accepted bool) {
	p.mu.Lock()
	p.dirty = dirty
	ts := p.timestamp
	p.mu.Unlock()

	if !dirty && p.events != nil {
		p.events.Confirmed(p.name, ts, accepted)
	}
}

// SetValue records a new desired value from a client write, marking the
// property dirty (spec §4.9 "Client writes to a property").
func (p *Property) SetValue(value any) {
	p.SetDirty(true, false)
	p.mu.Lock()
	p.setValue = value
	p.mu.Unlock()
	if p.events != nil {
		p.events.SetValueChanged(p.name, value, true)
	}
}

func (p *Property) SetMetadataField(key string, value any) {
	p.mu.Lock()
	if p.metadata == nil {
		p.metadata = model.Metadata{}
	}
	p.metadata[key] = value
	p.mu.Unlock()
}

// ToRecord snapshots the property in its persisted shape.
func (p *Property) ToRecord() model.DevicePropertyRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	md := make(model.Metadata, len(p.metadata))
	for k, v := range p.metadata {
		md[k] = v
	}
	return model.DevicePropertyRecord{
		Val:       p.realValue,
		SetVal:    p.setValue,
		Timestamp: p.timestamp,
		Dirty:     p.dirty,
		Metadata:  md,
	}
}

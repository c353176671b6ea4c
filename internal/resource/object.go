package resource

import (
	"context"
	"sync"
	"time"

	"github.com/quickhub-go/hubd/internal/model"
	"github.com/quickhub-go/hubd/internal/storage"
)

// Object is the synchronized key/value resource of spec §4.6/§3.
type Object struct {
	qname   string
	dynamic bool
	store   storage.Store

	read  ReadPolicy
	write WritePolicy

	mu         sync.Mutex
	properties map[string]model.ObjectProperty
	metadata   model.Metadata
}

func NewObject(qname string, dynamic bool, store storage.Store) *Object {
	o := &Object{
		qname:      qname,
		dynamic:    dynamic,
		store:      store,
		read:       AllowAny,
		write:      AllowAny,
		properties: make(map[string]model.ObjectProperty),
		metadata:   model.Metadata{},
	}
	if store != nil {
		var data model.ObjectData
		if ok, _ := store.Load(context.Background(), qname, &data); ok {
			if data.Properties != nil {
				o.properties = data.Properties
			}
			if data.Metadata != nil {
				o.metadata = data.Metadata
			}
		}
	}
	return o
}

func (o *Object) Type() model.ResourceType   { return model.ResourceObject }
func (o *Object) QualifiedName() string      { return o.qname }
func (o *Object) IsDynamic() bool            { return o.dynamic }
func (o *Object) CanRead(i model.Identity) bool  { return o.read(i) }
func (o *Object) CanWrite(i model.Identity) bool { return o.write(i) }

func (o *Object) persistLocked() {
	if o.store == nil {
		return
	}
	data := model.ObjectData{Properties: o.properties, Metadata: o.metadata}
	_ = o.store.Save(context.Background(), o.qname, &data)
}

// GetObjectData returns a full snapshot (spec §4.6 "getObjectData").
func (o *Object) GetObjectData() model.ObjectData {
	o.mu.Lock()
	defer o.mu.Unlock()
	props := make(map[string]model.ObjectProperty, len(o.properties))
	for k, v := range o.properties {
		props[k] = v
	}
	return model.ObjectData{Properties: props, Metadata: copyMeta(o.metadata)}
}

// GetMetaData returns only the metadata (spec §4.6 "getMetaData").
func (o *Object) GetMetaData() model.Metadata {
	o.mu.Lock()
	defer o.mu.Unlock()
	return copyMeta(o.metadata)
}

// SetProperty is the single mutator (spec §4.6 "setProperty"); lastupdate
// is monotonic per property (spec §3 invariant).
func (o *Object) SetProperty(name string, value any, userID string) (model.ObjectProperty, *model.HubError) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now().UnixMilli()
	if prev, ok := o.properties[name]; ok && prev.LastUpdate >= now {
		now = prev.LastUpdate + 1
	}
	prop := model.ObjectProperty{Data: value, UserID: userID, LastUpdate: now}
	o.properties[name] = prop
	o.persistLocked()
	return prop, nil
}

func (o *Object) SetMetadata(m model.Metadata) *model.HubError {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.metadata = m
	o.persistLocked()
	return nil
}

// Settings is the Object specialization of spec §4.6/§9: write is gated on
// the "is-admin" permission, with a publiclyReadable knob for reads.
type Settings struct {
	*Object
	publiclyReadable bool
}

const PermissionIsAdmin = "is-admin"

func NewSettings(qname string, store storage.Store, publiclyReadable bool) *Settings {
	o := NewObject(qname, false, store)
	s := &Settings{Object: o, publiclyReadable: publiclyReadable}
	o.write = func(identity model.Identity) bool {
		return identity != nil && identity.IsAuthorizedTo(PermissionIsAdmin)
	}
	o.read = func(identity model.Identity) bool {
		if s.publiclyReadable {
			return true
		}
		return identity != nil && identity.IsAuthorizedTo(PermissionIsAdmin)
	}
	return s
}

func (s *Settings) Type() model.ResourceType { return model.ResourceSettings }

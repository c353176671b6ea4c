package resource

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quickhub-go/hubd/internal/model"
	"github.com/quickhub-go/hubd/internal/storage"
)

// ReadPolicy/WritePolicy gate read/write access to a resource by identity.
// The default used throughout is "any valid token may read/write"; the
// settings object specialization overrides WritePolicy (DESIGN.md Open
// Question decision #3).
type ReadPolicy func(identity model.Identity) bool
type WritePolicy func(identity model.Identity) bool

func AllowAny(model.Identity) bool { return true }

// List is the synchronized list resource of spec §4.5/§3.
type List struct {
	qname      string
	descriptor string
	dynamic    bool
	store      storage.Store

	read  ReadPolicy
	write WritePolicy

	mu       sync.Mutex
	items    []model.ListItem
	metadata model.Metadata
}

// NewList constructs a list resource. dynamic marks it per-subscriber
// (never cached by the registry, spec §4.4 step 4); store may be nil to
// skip persistence (useful for pure in-memory/dynamic resources).
func NewList(qname, descriptor string, dynamic bool, store storage.Store) *List {
	l := &List{
		qname:      qname,
		descriptor: descriptor,
		dynamic:    dynamic,
		store:      store,
		read:       AllowAny,
		write:      AllowAny,
		metadata:   model.Metadata{},
	}
	if store != nil {
		var data model.ListData
		if ok, _ := store.Load(context.Background(), qname, &data); ok {
			l.items = data.Items
			if data.Metadata != nil {
				l.metadata = data.Metadata
			}
		}
	}
	return l
}

func (l *List) Type() model.ResourceType  { return model.ResourceList }
func (l *List) QualifiedName() string     { return l.qname }
func (l *List) IsDynamic() bool           { return l.dynamic }
func (l *List) CanRead(i model.Identity) bool  { return l.read(i) }
func (l *List) CanWrite(i model.Identity) bool { return l.write(i) }

// Dump returns a full snapshot, the message a freshly attached channel
// receives (spec §4.8 step 2).
func (l *List) Dump() model.ListData {
	l.mu.Lock()
	defer l.mu.Unlock()
	items := make([]model.ListItem, len(l.items))
	copy(items, l.items)
	return model.ListData{Items: items, Metadata: copyMeta(l.metadata)}
}

// Count returns the number of items, used by the subscription handler to
// decide between a full dump and paged init+get (spec §4.8 step 2).
func (l *List) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// GetRange returns a paged slice for "synclist:get {from,count}".
func (l *List) GetRange(from, count int) []model.ListItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	if from < 0 || from >= len(l.items) {
		return nil
	}
	end := from + count
	if count <= 0 || end > len(l.items) {
		end = len(l.items)
	}
	out := make([]model.ListItem, end-from)
	copy(out, l.items[from:end])
	return out
}

func (l *List) persistLocked() {
	if l.store == nil {
		return
	}
	data := model.ListData{Items: l.items, Metadata: l.metadata}
	_ = l.store.Save(context.Background(), l.qname, &data)
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// Append adds an item at the tail (spec §4.5 "append").
func (l *List) Append(data any, userID string) (model.ListItem, *model.HubError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	item := model.ListItem{UUID: uuid.NewString(), Timestamp: nowMillis(), UserID: userID, LastUpdate: nowMillis(), Data: data}
	l.items = append(l.items, item)
	l.persistLocked()
	return item, nil
}

// InsertAt inserts before index; beyond the end it appends (spec §4.5
// "insertAt").
func (l *List) InsertAt(data any, index int, userID string) (model.ListItem, *model.HubError) {
	if index < 0 {
		return model.ListItem{}, model.NewHubError(model.ErrInvalidParameters, "negative index")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	item := model.ListItem{UUID: uuid.NewString(), Timestamp: nowMillis(), UserID: userID, LastUpdate: nowMillis(), Data: data}
	if index >= len(l.items) {
		l.items = append(l.items, item)
	} else {
		l.items = append(l.items, model.ListItem{})
		copy(l.items[index+1:], l.items[index:])
		l.items[index] = item
	}
	l.persistLocked()
	return item, nil
}

// AppendList batch-appends, all-or-nothing (spec §4.5 "appendList").
func (l *List) AppendList(datas []any, userID string) ([]model.ListItem, *model.HubError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.ListItem, len(datas))
	now := nowMillis()
	for i, d := range datas {
		out[i] = model.ListItem{UUID: uuid.NewString(), Timestamp: now, UserID: userID, LastUpdate: now, Data: d}
	}
	l.items = append(l.items, out...)
	l.persistLocked()
	return out, nil
}

// resolve implements the index/uuid tie-break of spec §4.5: if (index,
// uuid) agrees with the current layout use it directly; otherwise uuid
// wins by search.
func (l *List) resolveLocked(index int, uid string) (int, bool) {
	if index >= 0 && index < len(l.items) && (uid == "" || l.items[index].UUID == uid) {
		return index, true
	}
	if uid == "" {
		return -1, false
	}
	for i, it := range l.items {
		if it.UUID == uid {
			return i, true
		}
	}
	return -1, false
}

// Remove deletes the matched item (spec §4.5 "remove").
func (l *List) Remove(index int, uid string) (model.ListItem, *model.HubError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.resolveLocked(index, uid)
	if !ok {
		return model.ListItem{}, model.NewHubError(model.ErrUnknownItem, "")
	}
	removed := l.items[i]
	l.items = append(l.items[:i], l.items[i+1:]...)
	l.persistLocked()
	return removed, nil
}

// Clear removes all items, keeping metadata (spec §4.5 "clear").
func (l *List) Clear() *model.HubError {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
	l.persistLocked()
	return nil
}

// Delete removes items and metadata and the persisted record (spec §4.5
// "delete").
func (l *List) Delete() *model.HubError {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
	l.metadata = model.Metadata{}
	if l.store != nil {
		_ = l.store.Delete(context.Background(), l.qname)
	}
	return nil
}

// Set replaces an item's payload, refreshing lastupdate/userid (spec §4.5
// "set").
func (l *List) Set(data any, index int, uid string, userID string) (model.ListItem, *model.HubError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.resolveLocked(index, uid)
	if !ok {
		return model.ListItem{}, model.NewHubError(model.ErrUnknownItem, "")
	}
	l.items[i].Data = data
	l.items[i].UserID = userID
	l.items[i].LastUpdate = nowMillis()
	l.persistLocked()
	return l.items[i], nil
}

// SetProperty sets one key within an item's data map, refreshing lastupdate
// (spec §4.5 "setProperty"). data must itself be a map for the key to be
// addressable; non-map payloads fail with InvalidData.
func (l *List) SetProperty(name string, value any, index int, uid string, userID string) (model.ListItem, *model.HubError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.resolveLocked(index, uid)
	if !ok {
		return model.ListItem{}, model.NewHubError(model.ErrUnknownItem, "")
	}
	m, ok := l.items[i].Data.(map[string]any)
	if !ok {
		if l.items[i].Data == nil {
			m = map[string]any{}
		} else {
			return model.ListItem{}, model.NewHubError(model.ErrInvalidData, "item data is not an object")
		}
	}
	m[name] = value
	l.items[i].Data = m
	l.items[i].UserID = userID
	l.items[i].LastUpdate = nowMillis()
	l.persistLocked()
	return l.items[i], nil
}

// SetMetadata replaces list-level metadata (spec §4.5 "setMetadata").
func (l *List) SetMetadata(m model.Metadata) *model.HubError {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metadata = m
	l.persistLocked()
	return nil
}

// SetFilter is only meaningful on dynamic resources (spec §4.5
// "setFilter").
func (l *List) SetFilter(_ any) *model.HubError {
	if !l.dynamic {
		return model.NewHubError(model.ErrNotSupported, "setFilter requires a dynamic list")
	}
	return nil
}

func copyMeta(m model.Metadata) model.Metadata {
	if m == nil {
		return nil
	}
	out := make(model.Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

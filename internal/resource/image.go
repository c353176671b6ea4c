package resource

import (
	"context"
	"sync"

	"github.com/quickhub-go/hubd/internal/model"
	"github.com/quickhub-go/hubd/internal/storage"
)

// ImageCollection is the resource kind of spec §4.7/§3: an image-uid keyed
// map of {metadata, blob}. Blob storage is opaque to this package; it is
// handed verbatim to the Store.
type ImageCollection struct {
	qname string
	store storage.Store

	read  ReadPolicy
	write WritePolicy

	mu     sync.Mutex
	images map[string]model.ImageRecord
}

func NewImageCollection(qname string, store storage.Store) *ImageCollection {
	ic := &ImageCollection{
		qname:  qname,
		store:  store,
		read:   AllowAny,
		write:  AllowAny,
		images: make(map[string]model.ImageRecord),
	}
	if store != nil {
		var data map[string]model.ImageRecord
		if ok, _ := store.Load(context.Background(), qname, &data); ok && data != nil {
			ic.images = data
		}
	}
	return ic
}

func (ic *ImageCollection) Type() model.ResourceType      { return model.ResourceImage }
func (ic *ImageCollection) QualifiedName() string         { return ic.qname }
func (ic *ImageCollection) IsDynamic() bool               { return false }
func (ic *ImageCollection) CanRead(i model.Identity) bool  { return ic.read(i) }
func (ic *ImageCollection) CanWrite(i model.Identity) bool { return ic.write(i) }

func (ic *ImageCollection) persistLocked() {
	if ic.store == nil {
		return
	}
	_ = ic.store.Save(context.Background(), ic.qname, &ic.images)
}

// Insert stores blob+metadata under uid (spec §4.7 "insert").
func (ic *ImageCollection) Insert(blob []byte, metadata model.Metadata, uid string) (model.ImageMetadata, *model.HubError) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.images[uid] = model.ImageRecord{Metadata: metadata, Blob: blob}
	ic.persistLocked()
	return model.ImageMetadata{UID: uid, Metadata: metadata}, nil
}

// DeleteImage removes one image (spec §4.7 "deleteImage").
func (ic *ImageCollection) DeleteImage(uid string) *model.HubError {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if _, ok := ic.images[uid]; !ok {
		return model.NewHubError(model.ErrUnknownItem, "")
	}
	delete(ic.images, uid)
	ic.persistLocked()
	return nil
}

// GetAllMetadata returns metadata for every stored image, without blobs
// (spec §4.7 "getAllMetadata").
func (ic *ImageCollection) GetAllMetadata() []model.ImageMetadata {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	out := make([]model.ImageMetadata, 0, len(ic.images))
	for uid, rec := range ic.images {
		out = append(out, model.ImageMetadata{UID: uid, Metadata: copyMeta(rec.Metadata)})
	}
	return out
}

// GetImage returns the full record including blob (spec §4.7 "getImage").
func (ic *ImageCollection) GetImage(uid string) (model.ImageRecord, *model.HubError) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	rec, ok := ic.images[uid]
	if !ok {
		return model.ImageRecord{}, model.NewHubError(model.ErrUnknownItem, "")
	}
	return rec, nil
}

// GetMetaData returns just one image's metadata (spec §4.7 "getMetaData").
func (ic *ImageCollection) GetMetaData(uid string) (model.Metadata, *model.HubError) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	rec, ok := ic.images[uid]
	if !ok {
		return nil, model.NewHubError(model.ErrUnknownItem, "")
	}
	return copyMeta(rec.Metadata), nil
}

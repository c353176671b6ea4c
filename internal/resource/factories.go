package resource

import (
	"strings"

	"github.com/quickhub-go/hubd/internal/model"
	"github.com/quickhub-go/hubd/internal/storage"
)

// isPerSubscriber marks descriptors that address per-caller state (the
// "home/" prefix, spec §3) as dynamic: the registry never shares or
// weak-caches them, so each attacher gets their own instance even though
// the qualified name embeds their own identity id anyway.
func isPerSubscriber(descriptor string) bool {
	return strings.HasPrefix(descriptor, "home/")
}

// ListFactory creates synclist resources; prefix "" matches any descriptor
// not claimed by a more specific factory (spec §4.4 step 2).
type ListFactory struct {
	Prefix string
	Store  storage.Store
}

func (f *ListFactory) Type() model.ResourceType { return model.ResourceList }
func (f *ListFactory) DescriptorPrefix() string { return f.Prefix }
func (f *ListFactory) Create(qualifiedName, descriptor, ownerIdentityID string) (Resource, error) {
	return NewList(qualifiedName, descriptor, isPerSubscriber(descriptor), f.Store), nil
}

// ObjectFactory creates plain object resources.
type ObjectFactory struct {
	Prefix string
	Store  storage.Store
}

func (f *ObjectFactory) Type() model.ResourceType { return model.ResourceObject }
func (f *ObjectFactory) DescriptorPrefix() string { return f.Prefix }
func (f *ObjectFactory) Create(qualifiedName, descriptor, ownerIdentityID string) (Resource, error) {
	return NewObject(qualifiedName, isPerSubscriber(descriptor), f.Store), nil
}

// SettingsFactory creates admin-write-gated settings objects (spec §9's
// named specialization of Object).
type SettingsFactory struct {
	Prefix           string
	Store            storage.Store
	PubliclyReadable bool
}

func (f *SettingsFactory) Type() model.ResourceType { return model.ResourceSettings }
func (f *SettingsFactory) DescriptorPrefix() string { return f.Prefix }
func (f *SettingsFactory) Create(qualifiedName, descriptor, ownerIdentityID string) (Resource, error) {
	return NewSettings(qualifiedName, f.Store, f.PubliclyReadable), nil
}

// ImageFactory creates image-collection resources.
type ImageFactory struct {
	Prefix string
	Store  storage.Store
}

func (f *ImageFactory) Type() model.ResourceType { return model.ResourceImage }
func (f *ImageFactory) DescriptorPrefix() string { return f.Prefix }
func (f *ImageFactory) Create(qualifiedName, descriptor, ownerIdentityID string) (Resource, error) {
	return NewImageCollection(qualifiedName, f.Store), nil
}

package device

import (
	"fmt"

	"github.com/quickhub-go/hubd/internal/model"
	"github.com/quickhub-go/hubd/internal/resource"
)

// TwinResource adapts a Twin to resource.Resource so a client can
// `device:attach` a hooked mapping through the same subscription.Handler
// plumbing used for synclist/object/imgcoll (spec §6: "type ∈ {synclist,
// object, imgcoll, device, list}"). Unlike those kinds, its identity is
// resolved through the Manager's descriptor->uuid mapping table rather
// than persisted by the resource itself, since a twin's own lifecycle is
// governed by hook/unhook (spec §4.9 "Twin lifecycle"), not by resource
// registry reference counting.
type TwinResource struct {
	twin       *Twin
	qname      string
	descriptor string
}

func (r *TwinResource) Type() model.ResourceType  { return model.ResourceDevice }
func (r *TwinResource) QualifiedName() string     { return r.qname }
func (r *TwinResource) IsDynamic() bool           { return false }
func (r *TwinResource) CanRead(identity model.Identity) bool { return identity != nil }
func (r *TwinResource) Twin() *Twin               { return r.twin }

// TwinFactory implements resource.Factory for model.ResourceDevice,
// resolving the descriptor against Manager's hook table instead of
// constructing a fresh twin (a descriptor resolves only once Hook has
// mapped it to a uuid).
type TwinFactory struct {
	Manager *Manager
}

func (f *TwinFactory) Type() model.ResourceType { return model.ResourceDevice }
func (f *TwinFactory) DescriptorPrefix() string { return "" }

func (f *TwinFactory) Create(qualifiedName, descriptor, ownerIdentityID string) (resource.Resource, error) {
	twin, ok := f.Manager.TwinForDescriptor(descriptor)
	if !ok {
		return nil, fmt.Errorf("no device hooked to %q", descriptor)
	}
	return &TwinResource{twin: twin, qname: qualifiedName, descriptor: descriptor}, nil
}

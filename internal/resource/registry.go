// Package resource implements spec §4.4-§4.7: the resource registry and
// its three kinds (list, object/settings, image collection). The registry
// keeps at most one live instance per qualified name for shared resources,
// and never caches dynamic ones, grounded on katagun-webpa-common's
// device.Manager Registry interface (ID-keyed table behind an RWMutex).
package resource

import (
	"sort"
	"strings"
	"sync"

	"github.com/quickhub-go/hubd/internal/model"
	"github.com/quickhub-go/hubd/internal/session"
)

// Resource is the common contract every resource kind satisfies.
type Resource interface {
	Type() model.ResourceType
	QualifiedName() string
	IsDynamic() bool
	CanRead(identity model.Identity) bool
}

// Factory creates one resource instance for a descriptor. Factories are
// grouped by resource type; within a type the registry prefers the
// longest-matching DescriptorPrefix, falling back to the factory whose
// prefix is empty (spec §4.4 step 2).
type Factory interface {
	Type() model.ResourceType
	DescriptorPrefix() string
	Create(qualifiedName, descriptor, ownerIdentityID string) (Resource, error)
}

type entry struct {
	resource Resource
	refCount int
}

// Registry is the process-wide ResourceManager singleton (spec §9).
type Registry struct {
	sessions *session.Service

	facMu     sync.RWMutex
	factories map[model.ResourceType][]Factory

	instMu    sync.RWMutex
	instances map[string]*entry
}

func NewRegistry(sessions *session.Service) *Registry {
	return &Registry{
		sessions:  sessions,
		factories: make(map[model.ResourceType][]Factory),
		instances: make(map[string]*entry),
	}
}

// RegisterFactory adds f to the candidate list for its type, keeping the
// list sorted by descending prefix length so longest-prefix-wins lookup is
// a simple linear scan.
func (r *Registry) RegisterFactory(f Factory) {
	r.facMu.Lock()
	defer r.facMu.Unlock()
	list := append(r.factories[f.Type()], f)
	sort.SliceStable(list, func(i, j int) bool {
		return len(list[i].DescriptorPrefix()) > len(list[j].DescriptorPrefix())
	})
	r.factories[f.Type()] = list
}

func (r *Registry) chooseFactory(rtype model.ResourceType, descriptor string) Factory {
	r.facMu.RLock()
	defer r.facMu.RUnlock()
	list := r.factories[rtype]
	var fallback Factory
	for _, f := range list {
		prefix := f.DescriptorPrefix()
		if prefix == "" {
			if fallback == nil {
				fallback = f
			}
			continue
		}
		if strings.HasPrefix(descriptor, prefix) {
			return f
		}
	}
	return fallback
}

// Handle is a live reference to a resource instance. Release must be
// called exactly once, when the caller (normally a subscription handler)
// no longer needs the instance; the registry drops cached, shared
// resources once their ref count reaches zero (spec §8.4).
type Handle struct {
	Resource Resource
	release  func()
}

func (h *Handle) Release() {
	if h.release != nil {
		h.release()
	}
}

// GetOrCreate implements spec §4.4's getOrCreateResource.
func (r *Registry) GetOrCreate(rtype model.ResourceType, descriptor, token string) (*Handle, *model.HubError) {
	identity := r.sessions.ValidateToken(token)
	if identity == nil {
		return nil, model.NewHubError(model.ErrInvalidToken, "")
	}

	factory := r.chooseFactory(rtype, descriptor)
	if factory == nil {
		return nil, model.NewHubError(model.ErrUnknownType, string(rtype))
	}

	qname := model.QualifiedName(rtype, descriptor, identity.IdentityID())

	r.instMu.Lock()
	if e, ok := r.instances[qname]; ok {
		e.refCount++
		res := e.resource
		r.instMu.Unlock()
		return &Handle{Resource: res, release: func() { r.release(qname) }}, nil
	}
	r.instMu.Unlock()

	res, err := factory.Create(qname, descriptor, identity.IdentityID())
	if err != nil {
		return nil, model.NewHubError(model.ErrStorageError, err.Error())
	}

	if res.IsDynamic() {
		return &Handle{Resource: res, release: func() {}}, nil
	}

	r.instMu.Lock()
	if e, ok := r.instances[qname]; ok {
		// Lost a race with a concurrent creator; keep the winner.
		e.refCount++
		res = e.resource
	} else {
		r.instances[qname] = &entry{resource: res, refCount: 1}
	}
	r.instMu.Unlock()

	return &Handle{Resource: res, release: func() { r.release(qname) }}, nil
}

// Lookup returns the live cached instance for qname, if any, without
// affecting its ref count. Used by administrative paths (e.g. webhook
// notification) that need to read a resource without subscribing to it.
func (r *Registry) Lookup(qname string) (Resource, bool) {
	r.instMu.RLock()
	defer r.instMu.RUnlock()
	e, ok := r.instances[qname]
	if !ok {
		return nil, false
	}
	return e.resource, true
}

func (r *Registry) release(qname string) {
	r.instMu.Lock()
	defer r.instMu.Unlock()
	e, ok := r.instances[qname]
	if !ok {
		return
	}
	e.refCount--
	if e.refCount <= 0 {
		delete(r.instances, qname)
	}
}

// Count reports the number of live cached (shared) resource instances.
// Exposed for metrics/tests.
func (r *Registry) Count() int {
	r.instMu.RLock()
	defer r.instMu.RUnlock()
	return len(r.instances)
}

package model

import "strings"

// ResourceType names one of the resource kinds §4.5-§4.7 define.
type ResourceType string

const (
	ResourceList     ResourceType = "synclist"
	ResourceObject   ResourceType = "object"
	ResourceSettings ResourceType = "settings"
	ResourceImage    ResourceType = "imgcoll"
	ResourceDevice   ResourceType = "device"
)

// QualifiedName computes the canonical resource key from type + descriptor
// + (for "home/..." descriptors) the owner identity id, per spec §3:
//
//	"resource is identified by (type, qualifiedName) where qualifiedName is
//	 derived from the user-supplied descriptor and, for descriptors starting
//	 with `home/`, the owner's identityID is spliced after `home/`."
func QualifiedName(rtype ResourceType, descriptor string, ownerIdentityID string) string {
	d := descriptor
	if strings.HasPrefix(d, "home/") && ownerIdentityID != "" {
		rest := strings.TrimPrefix(d, "home/")
		d = "home/" + ownerIdentityID + "/" + rest
	}
	return string(rtype) + ":" + d
}

// Metadata is a free-form JSON-friendly map used by list/object/image
// resources for descriptive, non-authoritative extra fields.
type Metadata map[string]any

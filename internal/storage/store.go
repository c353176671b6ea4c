// Package storage implements SPEC_FULL.md §3's keyed-document persistence
// contract used by every resource/device twin to survive process restarts.
// Qualified resource names and device UUIDs are opaque string keys; the
// document itself is whatever JSON-marshalable value the caller passes.
package storage

import "context"

// Store persists one JSON document per key. Load reports whether a document
// existed via its bool return, leaving out unchanged when it did not, so
// callers can tell "never persisted" from "persisted as zero value."
type Store interface {
	Load(ctx context.Context, key string, out any) (bool, error)
	Save(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
}

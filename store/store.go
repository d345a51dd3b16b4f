// Package store defines the persistence abstraction the fluxflag client
// façade is built on, plus two implementations: an in-memory reference
// store and a Postgres-backed durable one. The core treats a Store as an
// opaque collaborator; only the merge contract in DecideMergeWrites is
// normative across implementations.
package store

import (
	"context"

	"github.com/kieran-voss/fluxflag/core"
)

// FlagWithMeta pairs a flag definition with its replication and lifecycle
// metadata -- the unit of storage, caching, and sync in fluxflag.
type FlagWithMeta struct {
	Flag core.Flag     `json:"flag"`
	Meta core.FlagMeta `json:"meta"`
}

// Store is the persistence contract consumed by the client façade. Get,
// Has, List, Keys and Count never mutate; the rest do. Implementations
// must be atomic per operation.
type Store interface {
	Get(ctx context.Context, key string) (FlagWithMeta, bool, error)
	Set(ctx context.Context, key string, entry FlagWithMeta) error
	Delete(ctx context.Context, key string) (bool, error)
	Has(ctx context.Context, key string) (bool, error)
	List(ctx context.Context) ([]FlagWithMeta, error)
	Keys(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error

	GetVersion(ctx context.Context) (core.VersionVector, error)
	SetVersion(ctx context.Context, version core.VersionVector) error

	// Compact reclaims space without losing any accepted data; it may
	// reorder underlying storage.
	Compact(ctx context.Context) error
	// Flush durably persists all prior mutations before returning.
	Flush(ctx context.Context) error

	// Merge applies the normative merge contract (DecideMergeWrites)
	// against remote and returns the number of entries it wrote.
	Merge(ctx context.Context, remote []FlagWithMeta) (int, error)
}

// mergeSeed is the fixed VersionVector seed used when a store bumps its
// top-level version after accepting a merge write.
const mergeSeed = "merge"

// DecideMergeWrites implements the normative merge contract: a remote
// entry is accepted iff the local store has no entry for its key, or the
// remote entry's version is newer than the local one's. lookup is called
// once per remote entry and must not mutate anything.
func DecideMergeWrites(lookup func(key string) (FlagWithMeta, bool), remote []FlagWithMeta) []FlagWithMeta {
	accepted := make([]FlagWithMeta, 0, len(remote))
	for _, entry := range remote {
		local, found := lookup(entry.Flag.Key)
		if !found || core.IsNewer(entry.Meta.Version, local.Meta.Version) {
			accepted = append(accepted, entry)
		}
	}
	return accepted
}

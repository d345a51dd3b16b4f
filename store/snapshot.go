package store

import (
	"context"
	"fmt"

	"github.com/kieran-voss/fluxflag/core"
)

// Snapshot is the JSON-friendly export of an entire store: every entry plus
// the store's top-level VersionVector, used by the client façade's
// Snapshot/Restore operations.
type Snapshot struct {
	Entries []FlagWithMeta    `json:"entries"`
	Version core.VersionVector `json:"version"`
}

// TakeSnapshot reads every entry and the current version from s.
func TakeSnapshot(ctx context.Context, s Store) (Snapshot, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: snapshot: list: %w", err)
	}
	version, err := s.GetVersion(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: snapshot: get version: %w", err)
	}
	return Snapshot{Entries: entries, Version: version}, nil
}

// Restore clears s and bulk-writes every entry in snapshot, then restores
// the top-level version. It is not atomic across implementations that
// don't support multi-statement transactions for Clear+Set+SetVersion, but
// is idempotent: restoring the same snapshot twice leaves s in the same
// state.
func Restore(ctx context.Context, s Store, snapshot Snapshot) error {
	if err := s.Clear(ctx); err != nil {
		return fmt.Errorf("store: restore: clear: %w", err)
	}
	for _, entry := range snapshot.Entries {
		if err := s.Set(ctx, entry.Flag.Key, entry); err != nil {
			return fmt.Errorf("store: restore: set %q: %w", entry.Flag.Key, err)
		}
	}
	if err := s.SetVersion(ctx, snapshot.Version); err != nil {
		return fmt.Errorf("store: restore: set version: %w", err)
	}
	return nil
}

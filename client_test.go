package fluxflag

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kieran-voss/fluxflag/audit"
	"github.com/kieran-voss/fluxflag/cache"
	"github.com/kieran-voss/fluxflag/core"
	"github.com/kieran-voss/fluxflag/store"
)

func testClock() func() time.Time {
	current := time.UnixMilli(1_700_000_000_000)
	return func() time.Time { return current }
}

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithClock(testClock()),
		WithNodeID("test-node"),
		WithCache(cache.New[store.FlagWithMeta]()),
		WithAudit(audit.New()),
	}
	cl, err := New(store.NewMemory(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("New(): %v", err)
	}
	return cl
}

func sampleFlag(key string) core.Flag {
	return core.Flag{
		Key:          key,
		Kind:         core.KindBoolean,
		State:        core.StateEnabled,
		Value:        core.BoolValue(true),
		DefaultValue: core.BoolValue(false),
	}
}

var testActor = audit.Actor{Type: audit.ActorSystem}

func TestNewRejectsNilStore(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("New(nil) error = nil, want an error")
	}
}

func TestCreateFlagPopulatesCacheAndAudit(t *testing.T) {
	cl := newTestClient(t)
	ctx := context.Background()

	entry, err := cl.CreateFlag(ctx, sampleFlag("feature-x"), testActor)
	if err != nil {
		t.Fatalf("CreateFlag(): %v", err)
	}
	if entry.Flag.Key != "feature-x" {
		t.Fatalf("entry.Flag.Key = %q, want feature-x", entry.Flag.Key)
	}
	if entry.Meta.Version.Version != 1 {
		t.Fatalf("Version.Version = %d, want 1", entry.Meta.Version.Version)
	}

	cached, ok := cl.cache.GetFresh("feature-x")
	if !ok {
		t.Fatal("expected feature-x to be populated in cache after create")
	}
	if cached.Flag.Key != "feature-x" {
		t.Fatalf("cached.Flag.Key = %q, want feature-x", cached.Flag.Key)
	}

	records := cl.audit.Export()
	if len(records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(records))
	}
	if records[0].EventType != audit.EventCreated {
		t.Fatalf("audit record type = %v, want EventCreated", records[0].EventType)
	}
}

func TestCreateFlagRejectsDuplicateKey(t *testing.T) {
	cl := newTestClient(t)
	ctx := context.Background()

	if _, err := cl.CreateFlag(ctx, sampleFlag("dup"), testActor); err != nil {
		t.Fatalf("first CreateFlag(): %v", err)
	}

	_, err := cl.CreateFlag(ctx, sampleFlag("dup"), testActor)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("CreateFlag() error = %v, want ErrConflict", err)
	}
}

func TestCreateFlagRejectsInvalidFlag(t *testing.T) {
	cl := newTestClient(t)
	ctx := context.Background()

	invalid := sampleFlag("bad")
	invalid.DefaultValue = core.StringValue("not-a-bool") // value/default kind mismatch

	_, err := cl.CreateFlag(ctx, invalid, testActor)
	if !errors.Is(err, ErrEvaluation) {
		t.Fatalf("CreateFlag() error = %v, want ErrEvaluation", err)
	}
}

func TestUpdateFlagBumpsVersionAndRefreshesCache(t *testing.T) {
	cl := newTestClient(t)
	ctx := context.Background()

	created, err := cl.CreateFlag(ctx, sampleFlag("feature-y"), testActor)
	if err != nil {
		t.Fatalf("CreateFlag(): %v", err)
	}

	updated, found, err := cl.UpdateFlag(ctx, "feature-y", core.BoolValue(false), testActor)
	if err != nil || !found {
		t.Fatalf("UpdateFlag() = (%+v, %v, %v)", updated, found, err)
	}
	if updated.Meta.Version.Version != created.Meta.Version.Version+1 {
		t.Fatalf("Version.Version = %d, want %d", updated.Meta.Version.Version, created.Meta.Version.Version+1)
	}
	if updated.Flag.Value.AsBool() != false {
		t.Fatal("expected updated value to be false")
	}

	cached, ok := cl.cache.GetFresh("feature-y")
	if !ok || cached.Flag.Value.AsBool() != false {
		t.Fatalf("cache not refreshed after UpdateFlag: %+v, ok=%v", cached, ok)
	}
}

func TestUpdateFlagReportsNotFound(t *testing.T) {
	cl := newTestClient(t)
	_, found, err := cl.UpdateFlag(context.Background(), "missing", core.BoolValue(true), testActor)
	if err != nil {
		t.Fatalf("UpdateFlag() error = %v, want nil", err)
	}
	if found {
		t.Fatal("UpdateFlag() found = true, want false for missing key")
	}
}

func TestEnableDisableFlagRoundTrip(t *testing.T) {
	cl := newTestClient(t)
	ctx := context.Background()

	if _, err := cl.CreateFlag(ctx, sampleFlag("toggle"), testActor); err != nil {
		t.Fatalf("CreateFlag(): %v", err)
	}

	ok, err := cl.DisableFlag(ctx, "toggle", testActor)
	if err != nil || !ok {
		t.Fatalf("DisableFlag() = (%v, %v)", ok, err)
	}

	result := cl.Evaluate(ctx, "toggle", core.EvaluationContext{})
	if result.Reason != core.ReasonFlagDisabled {
		t.Fatalf("Reason = %q, want flag_disabled", result.Reason)
	}

	ok, err = cl.EnableFlag(ctx, "toggle", testActor)
	if err != nil || !ok {
		t.Fatalf("EnableFlag() = (%v, %v)", ok, err)
	}
}

func TestEnableFlagReportsNotFound(t *testing.T) {
	cl := newTestClient(t)
	ok, err := cl.EnableFlag(context.Background(), "missing", testActor)
	if err != nil {
		t.Fatalf("EnableFlag() error = %v, want nil", err)
	}
	if ok {
		t.Fatal("EnableFlag() ok = true, want false for missing key")
	}
}

func TestDeleteFlagRemovesFromStoreAndCache(t *testing.T) {
	cl := newTestClient(t)
	ctx := context.Background()

	if _, err := cl.CreateFlag(ctx, sampleFlag("gone"), testActor); err != nil {
		t.Fatalf("CreateFlag(): %v", err)
	}

	ok, err := cl.DeleteFlag(ctx, "gone", testActor)
	if err != nil || !ok {
		t.Fatalf("DeleteFlag() = (%v, %v)", ok, err)
	}

	if _, ok := cl.cache.GetFresh("gone"); ok {
		t.Fatal("expected cache entry to be removed after delete")
	}
	if _, found, _ := cl.GetFlag(ctx, "gone"); found {
		t.Fatal("expected flag to be gone from store")
	}
}

func TestGetFlagPopulatesCacheOnMiss(t *testing.T) {
	cl := newTestClient(t)
	ctx := context.Background()

	if _, err := cl.CreateFlag(ctx, sampleFlag("warm"), testActor); err != nil {
		t.Fatalf("CreateFlag(): %v", err)
	}
	cl.cache.Remove("warm")

	entry, found, err := cl.GetFlag(ctx, "warm")
	if err != nil || !found {
		t.Fatalf("GetFlag() = (%+v, %v, %v)", entry, found, err)
	}
	if _, ok := cl.cache.GetFresh("warm"); !ok {
		t.Fatal("expected GetFlag to repopulate the cache on a miss")
	}
}

// TestGetFlagServesStaleCacheEntryAsHit covers the stale-while-revalidate
// contract: a Stale entry (past its TTL but still within the stale window)
// must be served from the cache, not treated as a miss that falls through
// to the store.
func TestGetFlagServesStaleCacheEntryAsHit(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	clock := func() time.Time { return now }

	shortTTL := cache.Config{
		DefaultTTL: 10 * time.Millisecond,
		MinTTL:     time.Millisecond,
		MaxTTL:     time.Hour,
		StaleTTL:   time.Hour,
	}
	c := cache.New[store.FlagWithMeta](
		cache.WithClock[store.FlagWithMeta](clock),
		cache.WithConfig[store.FlagWithMeta](shortTTL),
	)
	cl := newTestClient(t, WithClock(clock), WithCache(c))
	ctx := context.Background()

	if _, err := cl.CreateFlag(ctx, sampleFlag("stale-flag"), testActor); err != nil {
		t.Fatalf("CreateFlag(): %v", err)
	}

	// Advance past ExpiresAt but still inside the stale window.
	now = now.Add(20 * time.Millisecond)

	if _, state, found := c.Get("stale-flag"); !found || state != cache.Stale {
		t.Fatalf("precondition failed: cache entry state = %v, found = %v, want Stale, true", state, found)
	}

	entry, found, err := cl.GetFlag(ctx, "stale-flag")
	if err != nil || !found {
		t.Fatalf("GetFlag() = (%+v, %v, %v)", entry, found, err)
	}
	if entry.Flag.Key != "stale-flag" {
		t.Fatalf("GetFlag() returned entry for key %q, want stale-flag", entry.Flag.Key)
	}
}

// TestEvaluateMarksResultCachedAndStale covers Evaluate's propagation of
// cache provenance onto EvaluationResult.Cached/.Stale.
func TestEvaluateMarksResultCachedAndStale(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	clock := func() time.Time { return now }

	shortTTL := cache.Config{
		DefaultTTL: 10 * time.Millisecond,
		MinTTL:     time.Millisecond,
		MaxTTL:     time.Hour,
		StaleTTL:   time.Hour,
	}
	c := cache.New[store.FlagWithMeta](
		cache.WithClock[store.FlagWithMeta](clock),
		cache.WithConfig[store.FlagWithMeta](shortTTL),
	)
	cl := newTestClient(t, WithClock(clock), WithCache(c))
	ctx := context.Background()

	if _, err := cl.CreateFlag(ctx, sampleFlag("eval-stale"), testActor); err != nil {
		t.Fatalf("CreateFlag(): %v", err)
	}

	result := cl.Evaluate(ctx, "eval-stale", core.EvaluationContext{})
	if !result.Cached {
		t.Fatal("expected a freshly-populated cache entry to report Cached = true")
	}
	if result.Stale {
		t.Fatal("expected a freshly-populated cache entry to report Stale = false")
	}

	now = now.Add(20 * time.Millisecond)

	result = cl.Evaluate(ctx, "eval-stale", core.EvaluationContext{})
	if !result.Cached {
		t.Fatal("expected a stale cache entry to still report Cached = true")
	}
	if !result.Stale {
		t.Fatal("expected Evaluate to report Stale = true for a stale cache entry")
	}
}

func TestEvaluateNeverFailsOnMissingFlag(t *testing.T) {
	cl := newTestClient(t)
	result := cl.Evaluate(context.Background(), "nonexistent", core.EvaluationContext{})
	if result.Reason != core.ReasonFlagNotFound {
		t.Fatalf("Reason = %q, want flag_not_found", result.Reason)
	}
	if result.Value.AsBool() != false {
		t.Fatal("expected default false value for a missing flag")
	}
}

func TestEvaluateBoolWrapper(t *testing.T) {
	cl := newTestClient(t)
	ctx := context.Background()
	if _, err := cl.CreateFlag(ctx, sampleFlag("flag-bool"), testActor); err != nil {
		t.Fatalf("CreateFlag(): %v", err)
	}

	if got := cl.EvaluateBool(ctx, "flag-bool", core.EvaluationContext{}, false); got != true {
		t.Fatalf("EvaluateBool() = %v, want true", got)
	}
	if got := cl.EvaluateBool(ctx, "missing", core.EvaluationContext{}, true); got != true {
		t.Fatalf("EvaluateBool() for missing flag = %v, want default true", got)
	}
}

func TestEvaluateStringWrapper(t *testing.T) {
	cl := newTestClient(t)
	ctx := context.Background()

	variant := sampleFlag("flag-string")
	variant.Kind = core.KindVariant
	variant.Value = core.StringValue("blue")
	variant.DefaultValue = core.StringValue("red")

	if _, err := cl.CreateFlag(ctx, variant, testActor); err != nil {
		t.Fatalf("CreateFlag(): %v", err)
	}

	if got := cl.EvaluateString(ctx, "flag-string", core.EvaluationContext{}, "red"); got != "blue" {
		t.Fatalf("EvaluateString() = %q, want blue", got)
	}
	if got := cl.EvaluateString(ctx, "flag-bool-missing", core.EvaluationContext{}, "fallback"); got != "fallback" {
		t.Fatalf("EvaluateString() for missing flag = %q, want fallback", got)
	}
}

func TestMergeRemoteAcceptsOnlyNewerEntries(t *testing.T) {
	cl := newTestClient(t)
	ctx := context.Background()

	local, err := cl.CreateFlag(ctx, sampleFlag("merged"), testActor)
	if err != nil {
		t.Fatalf("CreateFlag(): %v", err)
	}

	older := local
	older.Flag.Value = core.BoolValue(false)
	older.Meta.Version = core.VersionVector{Version: 0, Timestamp: 1, NodeID: "remote", Checksum: local.Meta.Version.Checksum}

	newer := local
	newer.Flag.Value = core.BoolValue(false)
	newer.Meta.Version = core.Increment(local.Meta.Version, "merged", int64(2000))
	newer.Meta.Version.NodeID = "remote"

	accepted, err := cl.MergeRemote(ctx, []store.FlagWithMeta{older, newer})
	if err != nil {
		t.Fatalf("MergeRemote(): %v", err)
	}
	if accepted != 1 {
		t.Fatalf("accepted = %d, want 1 (only the strictly newer entry)", accepted)
	}

	entry, found, err := cl.GetFlag(ctx, "merged")
	if err != nil || !found {
		t.Fatalf("GetFlag() after merge = (%+v, %v, %v)", entry, found, err)
	}
	if entry.Flag.Value.AsBool() != false {
		t.Fatal("expected merged value to reflect the accepted newer entry")
	}

	synced := 0
	for _, rec := range cl.audit.Export() {
		if rec.EventType == audit.EventSynced {
			synced++
		}
	}
	if synced != 1 {
		t.Fatalf("synced audit records = %d, want 1", synced)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	cl := newTestClient(t)
	ctx := context.Background()

	if _, err := cl.CreateFlag(ctx, sampleFlag("snap-a"), testActor); err != nil {
		t.Fatalf("CreateFlag(): %v", err)
	}
	if _, err := cl.CreateFlag(ctx, sampleFlag("snap-b"), testActor); err != nil {
		t.Fatalf("CreateFlag(): %v", err)
	}

	snapshot, err := cl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot(): %v", err)
	}
	if len(snapshot.Entries) != 2 {
		t.Fatalf("snapshot entries = %d, want 2", len(snapshot.Entries))
	}

	if _, err := cl.DeleteFlag(ctx, "snap-a", testActor); err != nil {
		t.Fatalf("DeleteFlag(): %v", err)
	}

	if err := cl.Restore(ctx, snapshot); err != nil {
		t.Fatalf("Restore(): %v", err)
	}

	if _, found, _ := cl.GetFlag(ctx, "snap-a"); !found {
		t.Fatal("expected snap-a to be restored")
	}
}

func TestPurgeCacheWithoutCacheIsNoop(t *testing.T) {
	cl := newTestClient(t, WithCache(nil))
	if got := cl.PurgeCache(); got != 0 {
		t.Fatalf("PurgeCache() = %d, want 0 when no cache attached", got)
	}
}

func TestPurgeAuditWithoutAuditIsNoop(t *testing.T) {
	cl := newTestClient(t, WithAudit(nil))
	if got := cl.PurgeAudit(); got != 0 {
		t.Fatalf("PurgeAudit() = %d, want 0 when no audit log attached", got)
	}
}

type recordingMetrics struct {
	evaluations int
	merges      int
}

func (m *recordingMetrics) RecordEvaluation(flagKey, reason string) { m.evaluations++ }
func (m *recordingMetrics) RecordCacheStats(stats cache.Stats)      {}
func (m *recordingMetrics) RecordMerge(accepted int)                { m.merges++ }

func TestMetricsRecorderReceivesEvaluationAndMergeEvents(t *testing.T) {
	metrics := &recordingMetrics{}
	cl := newTestClient(t, WithMetrics(metrics))
	ctx := context.Background()

	cl.Evaluate(ctx, "untracked", core.EvaluationContext{})
	if metrics.evaluations != 1 {
		t.Fatalf("evaluations = %d, want 1", metrics.evaluations)
	}

	if _, err := cl.MergeRemote(ctx, nil); err != nil {
		t.Fatalf("MergeRemote(): %v", err)
	}
	if metrics.merges != 1 {
		t.Fatalf("merges = %d, want 1", metrics.merges)
	}
}

func TestWrappedErrorSupportsErrorsIs(t *testing.T) {
	wrapped := wrapStorage(errors.New("connection refused"))
	if !errors.Is(wrapped, ErrStorage) {
		t.Fatal("errors.Is(wrapped, ErrStorage) = false, want true")
	}
	if errors.Is(wrapped, ErrConflict) {
		t.Fatal("errors.Is(wrapped, ErrConflict) = true, want false")
	}
}

// Package fluxflag is a feature-flag evaluation engine with a pluggable
// store, a multi-policy cache, a self-checksummed audit trail, and a
// last-writer-wins merge protocol for multi-node reconciliation. [Client]
// composes all four into the single façade a host embeds.
package fluxflag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kieran-voss/fluxflag/audit"
	"github.com/kieran-voss/fluxflag/cache"
	"github.com/kieran-voss/fluxflag/core"
	"github.com/kieran-voss/fluxflag/store"
)

// MetricsRecorder receives observability hooks from Client. A host wires
// its own Prometheus collectors (see internal/metrics) behind this
// interface; Client has no dependency on any particular metrics backend.
type MetricsRecorder interface {
	RecordEvaluation(flagKey, reason string)
	RecordCacheStats(stats cache.Stats)
	RecordMerge(accepted int)
}

// Client composes a store.Store, an optional cache.Cache, and an optional
// audit.AuditLog into the single entry point a host embeds. Every
// operation that mutates a flag also feeds the cache and audit trail, in
// that order, each acquiring and releasing its own lock in turn -- Client
// itself holds no lock spanning more than one component's call.
type Client struct {
	store   store.Store
	cache   *cache.Cache[store.FlagWithMeta]
	audit   *audit.AuditLog
	clock   func() time.Time
	nodeID  string
	env     string
	metrics MetricsRecorder
	log     *slog.Logger
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithCache attaches a cache.Cache; without one, every GetFlag/Evaluate
// call reads through to the store.
func WithCache(c *cache.Cache[store.FlagWithMeta]) Option {
	return func(cl *Client) { cl.cache = c }
}

// WithAudit attaches an audit.AuditLog; without one, mutations are not
// recorded anywhere.
func WithAudit(a *audit.AuditLog) Option {
	return func(cl *Client) { cl.audit = a }
}

// WithClock overrides the time source used for timestamps and version
// vectors. Production callers should leave this unset; tests use it for
// deterministic timestamps.
func WithClock(clock func() time.Time) Option {
	return func(cl *Client) { cl.clock = clock }
}

// WithNodeID sets the node identifier stamped into VersionVectors this
// client produces and into the audit EventContext. Defaults to a
// randomly generated UUID via core.Make if left unset.
func WithNodeID(nodeID string) Option {
	return func(cl *Client) { cl.nodeID = nodeID }
}

// WithEnvironment sets the EventContext.Environment stamped onto every
// audit record this client writes.
func WithEnvironment(env string) Option {
	return func(cl *Client) { cl.env = env }
}

// WithMetrics attaches a MetricsRecorder for evaluation/cache/merge
// observability.
func WithMetrics(m MetricsRecorder) Option {
	return func(cl *Client) { cl.metrics = m }
}

// WithLogger overrides the structured logger used to report read failures
// that the façade swallows per the error propagation policy (store read
// errors degrade to a miss, not a returned error).
func WithLogger(log *slog.Logger) Option {
	return func(cl *Client) { cl.log = log }
}

// New creates a Client backed by s. Additional components (cache, audit,
// clock, node identity, metrics) are attached via Option.
func New(s store.Store, opts ...Option) (*Client, error) {
	if s == nil {
		return nil, fmt.Errorf("fluxflag: store is nil")
	}
	cl := &Client{
		store: s,
		clock: time.Now,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(cl)
	}
	if cl.nodeID == "" {
		cl.nodeID = core.Make("", "node", cl.clock().UnixMilli()).NodeID
	}
	return cl, nil
}

func (c *Client) now() int64 { return c.clock().UnixMilli() }

func (c *Client) auditContext() audit.EventContext {
	return audit.EventContext{NodeID: c.nodeID, Environment: c.env}
}

// cachePut writes entry into the cache under its declared expiry policy,
// defaulting to absolute expiry when the entry carries none.
func (c *Client) cachePut(entry store.FlagWithMeta) {
	if c.cache == nil {
		return
	}
	policy := entry.Meta.ExpiryPolicy
	if policy == "" {
		policy = core.ExpiryAbsolute
	}
	var lastChanged *time.Time
	if entry.Meta.UpdatedAt != 0 {
		t := time.UnixMilli(entry.Meta.UpdatedAt)
		lastChanged = &t
	}
	c.cache.Put(entry.Flag.Key, entry, policy, lastChanged)
	if c.metrics != nil {
		c.metrics.RecordCacheStats(c.cache.Stats())
	}
}

func (c *Client) logStorageError(op, key string, err error) {
	c.log.Error("storage operation failed", "op", op, "key", key, "error", err)
}

// CreateFlag validates and stores a new flag definition, populates the
// cache, and issues the flag's first audit record. It fails with
// [ErrConflict] if a flag with the same key already exists.
func (c *Client) CreateFlag(ctx context.Context, flag core.Flag, actor audit.Actor) (store.FlagWithMeta, error) {
	if err := flag.Validate(); err != nil {
		return store.FlagWithMeta{}, &wrappedError{kind: ErrEvaluation, cause: err}
	}

	if _, found, err := c.store.Get(ctx, flag.Key); err != nil {
		return store.FlagWithMeta{}, wrapStorage(err)
	} else if found {
		return store.FlagWithMeta{}, &wrappedError{kind: ErrConflict, cause: fmt.Errorf("flag %q already exists", flag.Key)}
	}

	now := c.now()
	entry := store.FlagWithMeta{
		Flag: flag,
		Meta: core.FlagMeta{
			CreatedAt: now,
			UpdatedAt: now,
			Version:   core.Make(c.nodeID, flag.Key, now),
		},
	}

	if err := c.store.Set(ctx, flag.Key, entry); err != nil {
		return store.FlagWithMeta{}, wrapStorage(err)
	}

	c.cachePut(entry)
	if c.audit != nil {
		c.audit.LogCreated(flag.Key, flag.Value, actor, c.auditContext())
	}

	return entry, nil
}

// UpdateFlag replaces the value of an existing flag, bumping its
// VersionVector. It reports found=false without error if key has no
// entry.
func (c *Client) UpdateFlag(ctx context.Context, key string, value core.FlagValue, actor audit.Actor) (entry store.FlagWithMeta, found bool, err error) {
	existing, found, err := c.store.Get(ctx, key)
	if err != nil {
		return store.FlagWithMeta{}, false, wrapStorage(err)
	}
	if !found {
		return store.FlagWithMeta{}, false, nil
	}

	previous := existing.Flag.Value
	existing.Flag.Value = value
	now := c.now()
	existing.Meta.UpdatedAt = now
	existing.Meta.Version = core.Increment(existing.Meta.Version, key, now)

	if err := c.store.Set(ctx, key, existing); err != nil {
		return store.FlagWithMeta{}, false, wrapStorage(err)
	}

	c.cachePut(existing)
	if c.audit != nil {
		c.audit.LogUpdated(key, previous, value, actor, c.auditContext())
	}

	return existing, true, nil
}

// EnableFlag transitions a flag to the enabled state. It returns
// ok=false without error if key has no entry; transitioning an
// already-enabled flag is a no-op success.
func (c *Client) EnableFlag(ctx context.Context, key string, actor audit.Actor) (bool, error) {
	return c.setState(ctx, key, core.StateEnabled, actor)
}

// DisableFlag transitions a flag to the disabled state. Evaluating a
// disabled flag always returns its default value with reason
// "flag_disabled".
func (c *Client) DisableFlag(ctx context.Context, key string, actor audit.Actor) (bool, error) {
	return c.setState(ctx, key, core.StateDisabled, actor)
}

func (c *Client) setState(ctx context.Context, key string, state core.State, actor audit.Actor) (bool, error) {
	existing, found, err := c.store.Get(ctx, key)
	if err != nil {
		return false, wrapStorage(err)
	}
	if !found {
		return false, nil
	}
	if existing.Flag.State == state {
		return true, nil
	}

	previousValue := existing.Flag.Value
	existing.Flag.State = state
	now := c.now()
	existing.Meta.UpdatedAt = now
	existing.Meta.Version = core.Increment(existing.Meta.Version, key, now)

	if err := c.store.Set(ctx, key, existing); err != nil {
		return false, wrapStorage(err)
	}

	c.cachePut(existing)
	if c.audit != nil {
		c.audit.LogUpdated(key, previousValue, existing.Flag.Value, actor, c.auditContext())
	}

	return true, nil
}

// DeleteFlag removes a flag from the store and cache. It returns
// ok=false without error if key has no entry.
func (c *Client) DeleteFlag(ctx context.Context, key string, actor audit.Actor) (bool, error) {
	existing, found, err := c.store.Get(ctx, key)
	if err != nil {
		return false, wrapStorage(err)
	}
	if !found {
		return false, nil
	}

	deleted, err := c.store.Delete(ctx, key)
	if err != nil {
		return false, wrapStorage(err)
	}
	if !deleted {
		return false, nil
	}

	if c.cache != nil {
		c.cache.Remove(key)
	}
	if c.audit != nil {
		c.audit.LogDeleted(key, existing.Flag.Value, actor, c.auditContext())
	}

	return true, nil
}

// GetFlag looks up a flag, cache-first (serving a Stale entry as a hit
// rather than falling through, per the cache's stale-while-revalidate
// contract), falling back to the store only on an actual cache miss and
// populating the cache on that path. A store read failure degrades to a
// not-found result (logged, not returned) per the error propagation
// policy: reads never fail the caller.
func (c *Client) GetFlag(ctx context.Context, key string) (store.FlagWithMeta, bool, error) {
	entry, found, _, _ := c.lookupFlag(ctx, key)
	return entry, found, nil
}

// lookupFlag is GetFlag's implementation, additionally reporting whether
// the result came from the cache and, if so, whether it was Stale --
// information GetFlag's public signature has no room for but Evaluate
// needs to populate EvaluationResult.Cached/Stale.
func (c *Client) lookupFlag(ctx context.Context, key string) (entry store.FlagWithMeta, found, cached, stale bool) {
	if c.cache != nil {
		if v, isStale, ok := c.cache.GetWithStale(key); ok {
			if c.metrics != nil {
				c.metrics.RecordCacheStats(c.cache.Stats())
			}
			return v, true, true, isStale
		}
	}

	v, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.logStorageError("get flag", key, err)
		return store.FlagWithMeta{}, false, false, false
	}
	if !found {
		return store.FlagWithMeta{}, false, false, false
	}

	c.cachePut(v)
	return v, true, false, false
}

// ListFlags returns every flag currently in the store. It reads through
// to the store directly -- the cache indexes by key, not by the full set,
// so listing never consults it.
func (c *Client) ListFlags(ctx context.Context) ([]store.FlagWithMeta, error) {
	entries, err := c.store.List(ctx)
	if err != nil {
		return nil, wrapStorage(err)
	}
	return entries, nil
}

// Evaluate resolves a flag's value for ctx. This never fails: a missing
// flag yields a well-formed EvaluationResult with
// reason="flag_not_found" and value=Bool(false), matching the evaluator's
// own never-fails contract for flags it can find.
func (c *Client) Evaluate(ctx context.Context, key string, evalCtx core.EvaluationContext) core.EvaluationResult {
	entry, found, cached, stale := c.lookupFlag(ctx, key)
	if !found {
		result := core.EvaluationResult{FlagKey: key, Value: core.BoolValue(false), Reason: core.ReasonFlagNotFound}
		c.recordEvaluation(result)
		return result
	}

	result := core.Evaluate(entry.Flag, evalCtx)
	result.Cached = cached
	result.Stale = stale
	c.recordEvaluation(result)

	if c.audit != nil {
		c.audit.LogEvaluated(key, result.Value, audit.Actor{Type: audit.ActorSystem}, c.auditContext())
	}

	return result
}

func (c *Client) recordEvaluation(result core.EvaluationResult) {
	if c.metrics != nil {
		c.metrics.RecordEvaluation(result.FlagKey, result.Reason)
	}
}

// EvaluateBool is a typed convenience wrapper over Evaluate for boolean
// and rollout flags; defaultValue is returned when the flag does not
// exist or its value is not a bool.
func (c *Client) EvaluateBool(ctx context.Context, key string, evalCtx core.EvaluationContext, defaultValue bool) bool {
	result := c.Evaluate(ctx, key, evalCtx)
	if result.Reason == core.ReasonFlagNotFound || result.Value.Kind() != core.ValueBool {
		return defaultValue
	}
	return result.Value.AsBool()
}

// EvaluateString is a typed convenience wrapper over Evaluate for variant
// flags; defaultValue is returned when the flag's value is not a string.
func (c *Client) EvaluateString(ctx context.Context, key string, evalCtx core.EvaluationContext, defaultValue string) string {
	result := c.Evaluate(ctx, key, evalCtx)
	if result.Value.Kind() != core.ValueString {
		return defaultValue
	}
	return result.Value.AsString()
}

// EvaluateRollout reports whether ctx's user falls inside a rollout
// flag's current percentage bucket. It returns false for any reason
// other than ReasonRolloutIncluded, including a flag that is not a
// rollout kind at all.
func (c *Client) EvaluateRollout(ctx context.Context, key string, evalCtx core.EvaluationContext) bool {
	result := c.Evaluate(ctx, key, evalCtx)
	return result.Reason == core.ReasonRolloutIncluded
}

// MergeRemote applies the store's normative merge contract against
// remote, refreshes the cache for each accepted entry, and records a
// Synced audit entry per accepted entry. It returns the number of
// entries accepted.
func (c *Client) MergeRemote(ctx context.Context, remote []store.FlagWithMeta) (int, error) {
	lookup := func(key string) (store.FlagWithMeta, bool) {
		entry, found, err := c.store.Get(ctx, key)
		if err != nil {
			return store.FlagWithMeta{}, false
		}
		return entry, found
	}
	accepted := store.DecideMergeWrites(lookup, remote)

	count, err := c.store.Merge(ctx, remote)
	if err != nil {
		return 0, wrapStorage(err)
	}

	for _, entry := range accepted {
		c.cachePut(entry)
		if c.audit != nil {
			c.audit.LogSynced(entry.Flag.Key, entry.Flag.Value, audit.Actor{Type: audit.ActorSystem}, c.auditContext())
		}
	}

	if c.metrics != nil {
		c.metrics.RecordMerge(count)
	}

	return count, nil
}

// Snapshot exports every stored flag plus the store's top-level version,
// for out-of-band transport or backup.
func (c *Client) Snapshot(ctx context.Context) (store.Snapshot, error) {
	snapshot, err := store.TakeSnapshot(ctx, c.store)
	if err != nil {
		return store.Snapshot{}, wrapStorage(err)
	}
	return snapshot, nil
}

// Restore replaces the entire store contents with snapshot and purges the
// cache, since every cached entry may now be stale.
func (c *Client) Restore(ctx context.Context, snapshot store.Snapshot) error {
	var stale []string
	if c.cache != nil {
		keys, err := c.store.Keys(ctx)
		if err != nil {
			return wrapStorage(err)
		}
		stale = keys
	}
	if err := store.Restore(ctx, c.store, snapshot); err != nil {
		return wrapStorage(err)
	}
	for _, key := range stale {
		c.cache.Remove(key)
	}
	c.PurgeCache()
	return nil
}

// PurgeCache drops every expired cache entry and returns the count
// removed. A no-op if no cache is attached.
func (c *Client) PurgeCache() uint32 {
	if c.cache == nil {
		return 0
	}
	purged := c.cache.PurgeExpired()
	if c.metrics != nil {
		c.metrics.RecordCacheStats(c.cache.Stats())
	}
	return purged
}

// QueryAudit returns audit records matching filter. It returns an empty
// slice, never an error, when no audit log is attached.
func (c *Client) QueryAudit(filter audit.QueryFilter) []audit.AuditRecord {
	if c.audit == nil {
		return nil
	}
	return c.audit.Query(filter)
}

// PurgeAudit drops audit records older than the configured retention
// window and returns the count removed. A no-op if no audit log is
// attached.
func (c *Client) PurgeAudit() int {
	if c.audit == nil {
		return 0
	}
	return c.audit.Purge()
}

// Package audit implements the append-only, self-checksummed audit trail
// attached to a fluxflag client. Records are immutable once appended; the
// log only ever grows (bounded by capacity) or shrinks via an explicit
// Purge.
package audit

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kieran-voss/fluxflag/core"
)

// EventType classifies what happened to produce an AuditRecord.
type EventType string

const (
	EventCreated         EventType = "created"
	EventUpdated         EventType = "updated"
	EventDeleted         EventType = "deleted"
	EventEvaluated        EventType = "evaluated"
	EventExpired         EventType = "expired"
	EventSynced          EventType = "synced"
	EventConflictResolved EventType = "conflict_resolved"
)

// ActorType identifies who or what caused an event.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
	ActorAPI    ActorType = "api"
)

// Actor identifies who or what caused an AuditRecord's event.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
	IP   string    `json:"ip,omitempty"`
}

// EventContext carries replication/request context alongside an event.
type EventContext struct {
	NodeID        string `json:"nodeId"`
	Environment   string `json:"environment,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// AuditRecord is a single, immutable entry in the audit trail.
type AuditRecord struct {
	ID            string        `json:"id"`
	Timestamp     int64         `json:"timestamp"`
	EventType     EventType     `json:"eventType"`
	FlagKey       string        `json:"flagKey"`
	PreviousValue *core.FlagValue `json:"previousValue,omitempty"`
	NewValue      *core.FlagValue `json:"newValue,omitempty"`
	Actor         Actor         `json:"actor"`
	Context       EventContext  `json:"context"`
	Checksum      string        `json:"checksum"`
}

// Config tunes capacity, retention, and whether LogEvaluated is a no-op.
type Config struct {
	MaxRecords        int
	RetentionDays     int
	EvaluationLogging bool
}

// DefaultConfig matches the defaults named in the data model: 100000
// records, 90 days retention, evaluation logging off.
func DefaultConfig() Config {
	return Config{
		MaxRecords:        100000,
		RetentionDays:     90,
		EvaluationLogging: false,
	}
}

// AuditLog is a mutex-guarded, append-only, bounded log of AuditRecords.
type AuditLog struct {
	mu      sync.Mutex
	records []AuditRecord
	config  Config
	clock   func() time.Time
}

// Option configures an AuditLog at construction time.
type Option func(*AuditLog)

// WithClock overrides the log's time source. Production callers should
// leave this unset; tests use it for deterministic timestamps.
func WithClock(clock func() time.Time) Option {
	return func(a *AuditLog) { a.clock = clock }
}

// WithConfig overrides the default capacity/retention/evaluation-logging
// configuration.
func WithConfig(config Config) Option {
	return func(a *AuditLog) { a.config = config }
}

// New constructs an AuditLog with the default configuration, overridden by
// any options supplied.
func New(opts ...Option) *AuditLog {
	a := &AuditLog{
		config: DefaultConfig(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *AuditLog) now() time.Time {
	return a.clock()
}

// append builds a record, checksums it, and appends it, dropping the oldest
// 10% first if the log is at capacity. a.mu must be held by the caller.
func (a *AuditLog) append(eventType EventType, flagKey string, previous, newValue *core.FlagValue, actor Actor, ctx EventContext) AuditRecord {
	if a.config.MaxRecords > 0 && len(a.records) >= a.config.MaxRecords {
		keep := int(float64(a.config.MaxRecords) * 0.9)
		if keep < 0 {
			keep = 0
		}
		drop := len(a.records) - keep
		if drop > 0 {
			a.records = append(a.records[:0], a.records[drop:]...)
		}
	}

	now := a.now()
	record := AuditRecord{
		ID:            generateID(now),
		Timestamp:     now.UnixMilli(),
		EventType:     eventType,
		FlagKey:       flagKey,
		PreviousValue: previous,
		NewValue:      newValue,
		Actor:         actor,
		Context:       ctx,
	}
	record.Checksum = checksumOf(record)
	a.records = append(a.records, record)
	return record
}

// LogCreated records that a flag was created.
func (a *AuditLog) LogCreated(flagKey string, value core.FlagValue, actor Actor, ctx EventContext) AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.append(EventCreated, flagKey, nil, &value, actor, ctx)
}

// LogUpdated records that a flag's definition changed from previous to
// newValue.
func (a *AuditLog) LogUpdated(flagKey string, previous, newValue core.FlagValue, actor Actor, ctx EventContext) AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.append(EventUpdated, flagKey, &previous, &newValue, actor, ctx)
}

// LogDeleted records that a flag was deleted.
func (a *AuditLog) LogDeleted(flagKey string, previous core.FlagValue, actor Actor, ctx EventContext) AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.append(EventDeleted, flagKey, &previous, nil, actor, ctx)
}

// LogEvaluated records an evaluation result. It is a no-op, returning the
// zero AuditRecord, unless Config.EvaluationLogging is true -- evaluation
// is the hottest path in the system and most deployments do not want every
// call audited.
func (a *AuditLog) LogEvaluated(flagKey string, result core.FlagValue, actor Actor, ctx EventContext) (AuditRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.config.EvaluationLogging {
		return AuditRecord{}, false
	}
	return a.append(EventEvaluated, flagKey, nil, &result, actor, ctx), true
}

// LogExpired records that a cache entry or flag expired.
func (a *AuditLog) LogExpired(flagKey string, actor Actor, ctx EventContext) AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.append(EventExpired, flagKey, nil, nil, actor, ctx)
}

// LogSynced records that a flag was written by a remote merge.
func (a *AuditLog) LogSynced(flagKey string, newValue core.FlagValue, actor Actor, ctx EventContext) AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.append(EventSynced, flagKey, nil, &newValue, actor, ctx)
}

// LogConflictResolved records that a merge conflict between a local and
// remote version was resolved in favor of newValue.
func (a *AuditLog) LogConflictResolved(flagKey string, previous, newValue core.FlagValue, actor Actor, ctx EventContext) AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.append(EventConflictResolved, flagKey, &previous, &newValue, actor, ctx)
}

// QueryFilter narrows Query's results. Zero-value fields are unfiltered.
type QueryFilter struct {
	FlagKey    string
	EventTypes []EventType
	ActorID    string
	StartTime  *int64
	EndTime    *int64
	Cursor     string
	Limit      int
}

// Query returns records matching filter, newest first, cursor-paginated by
// record ID (results strictly after the cursor) and capped at Limit (0
// means unlimited).
func (a *AuditLog) Query(filter QueryFilter) []AuditRecord {
	a.mu.Lock()
	snapshot := make([]AuditRecord, len(a.records))
	copy(snapshot, a.records)
	a.mu.Unlock()

	eventTypeSet := make(map[EventType]bool, len(filter.EventTypes))
	for _, et := range filter.EventTypes {
		eventTypeSet[et] = true
	}

	matched := make([]AuditRecord, 0, len(snapshot))
	for _, record := range snapshot {
		if filter.FlagKey != "" && record.FlagKey != filter.FlagKey {
			continue
		}
		if len(eventTypeSet) > 0 && !eventTypeSet[record.EventType] {
			continue
		}
		if filter.ActorID != "" && record.Actor.ID != filter.ActorID {
			continue
		}
		if filter.StartTime != nil && record.Timestamp < *filter.StartTime {
			continue
		}
		if filter.EndTime != nil && record.Timestamp > *filter.EndTime {
			continue
		}
		matched = append(matched, record)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp > matched[j].Timestamp
	})

	if filter.Cursor != "" {
		for i, record := range matched {
			if record.ID == filter.Cursor {
				matched = matched[i+1:]
				break
			}
		}
	}

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched
}

// Purge drops records older than Config.RetentionDays relative to now and
// reports how many were dropped.
func (a *AuditLog) Purge() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.config.RetentionDays <= 0 {
		return 0
	}
	cutoff := a.now().AddDate(0, 0, -a.config.RetentionDays).UnixMilli()

	kept := a.records[:0:0]
	dropped := 0
	for _, record := range a.records {
		if record.Timestamp < cutoff {
			dropped++
			continue
		}
		kept = append(kept, record)
	}
	a.records = kept
	return dropped
}

// Export returns every record currently held, in append order, for the
// wire export format: a plain JSON array with ids and checksums preserved
// verbatim.
func (a *AuditLog) Export() []AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditRecord, len(a.records))
	copy(out, a.records)
	return out
}

// Import appends records verbatim -- their ids and checksums are not
// recomputed, matching the wire format's "re-import does not recompute
// checksums" rule. Import does not apply capacity eviction retroactively
// to previously-held records, but does apply it going forward.
func (a *AuditLog) Import(records []AuditRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, records...)
}

// Verify recomputes a record's checksum and reports whether it still
// matches the stored one, letting a consumer re-validate an entry that
// was never chained to its neighbors.
func Verify(record AuditRecord) bool {
	return checksumOf(record) == record.Checksum
}

// checksumOf hashes every field of record except Checksum itself.
func checksumOf(record AuditRecord) string {
	unchecked := record
	unchecked.Checksum = ""
	payload, err := json.Marshal(unchecked)
	if err != nil {
		// AuditRecord contains only JSON-marshalable fields; this is
		// unreachable in practice, but checksumOf must still return a
		// deterministic value rather than panic.
		return core.ChecksumHex(fmt.Sprintf("%+v", unchecked))
	}
	return core.ChecksumHex(string(payload))
}

// generateID builds a 12-hex-char millisecond timestamp prefix plus a
// 12-hex-char random suffix, per the data model's id format.
func generateID(now time.Time) string {
	millis := now.UnixMilli()
	prefix := fmt.Sprintf("%012x", uint64(millis))[:12]

	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		// crypto/rand failing is unrecoverable on any real platform; fall
		// back to a fixed suffix rather than panicking so id generation
		// (and thus every Log* call) remains total.
		return prefix + "-" + "000000000000"
	}
	return prefix + "-" + hex.EncodeToString(suffix)
}

package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kieran-voss/fluxflag/cache"
)

func TestNew(t *testing.T) {
	m := New()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}
	m.RecordAuditAppend()
	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather after increment failed: %v", err)
	}
	if len(fams) == 0 {
		t.Fatal("expected at least one metric family after increment")
	}
}

func TestRecordEvaluation(t *testing.T) {
	m := New()

	m.RecordEvaluation("feature-x", "fallthrough")
	m.RecordEvaluation("feature-x", "fallthrough")
	m.RecordEvaluation("feature-y", "flag_not_found")

	fallthroughCount := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("feature-x", "fallthrough"))
	notFoundCount := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("feature-y", "flag_not_found"))

	if fallthroughCount != 2 {
		t.Fatalf("expected fallthrough count 2, got %v", fallthroughCount)
	}
	if notFoundCount != 1 {
		t.Fatalf("expected flag_not_found count 1, got %v", notFoundCount)
	}
}

// TestRecordCacheStats feeds cache.Stats the way cache.Cache.Stats actually
// produces it: as a lifetime-cumulative snapshot, not a per-call delta. Each
// call below carries the running total observed "so far", and the exported
// counters must only advance by the difference from the previous snapshot.
func TestRecordCacheStats(t *testing.T) {
	m := New()

	m.RecordCacheStats(cache.Stats{Hits: 5, Misses: 2, Evictions: 1, Size: 3})
	m.RecordCacheStats(cache.Stats{Hits: 9, Misses: 2, Evictions: 1, Size: 4})
	m.RecordCacheStats(cache.Stats{Hits: 9, Misses: 3, Evictions: 2, Size: 2})

	if v := testutil.ToFloat64(m.CacheHits); v != 9 {
		t.Fatalf("expected cache hits counter 9 (5+4+0), got %v", v)
	}
	if v := testutil.ToFloat64(m.CacheMisses); v != 3 {
		t.Fatalf("expected cache misses counter 3 (2+0+1), got %v", v)
	}
	if v := testutil.ToFloat64(m.CacheEvictions); v != 2 {
		t.Fatalf("expected cache evictions counter 2 (1+0+1), got %v", v)
	}
	if v := testutil.ToFloat64(m.CacheSize); v != 2 {
		t.Fatalf("expected cache size gauge to reflect most recent snapshot, got %v", v)
	}
}

// TestRecordCacheStats_CounterResetDoesNotUnderflow covers the cache being
// replaced (or its counters otherwise reset) mid-process: the next snapshot's
// cumulative values drop below the previous one, and the delta must clamp to
// zero rather than wrapping around as an enormous uint64 subtraction.
func TestRecordCacheStats_CounterResetDoesNotUnderflow(t *testing.T) {
	m := New()

	m.RecordCacheStats(cache.Stats{Hits: 100, Misses: 40, Evictions: 10, Size: 8})
	m.RecordCacheStats(cache.Stats{Hits: 2, Misses: 1, Evictions: 0, Size: 1})

	if v := testutil.ToFloat64(m.CacheHits); v != 100 {
		t.Fatalf("expected cache hits counter to hold steady at 100 across a reset, got %v", v)
	}
	if v := testutil.ToFloat64(m.CacheMisses); v != 40 {
		t.Fatalf("expected cache misses counter to hold steady at 40 across a reset, got %v", v)
	}
	if v := testutil.ToFloat64(m.CacheEvictions); v != 10 {
		t.Fatalf("expected cache evictions counter to hold steady at 10 across a reset, got %v", v)
	}
	if v := testutil.ToFloat64(m.CacheSize); v != 1 {
		t.Fatalf("expected cache size gauge to still track the latest snapshot after a reset, got %v", v)
	}
}

func TestRecordMerge(t *testing.T) {
	m := New()

	m.RecordMerge(3)
	m.RecordMerge(0)

	if v := testutil.ToFloat64(m.SyncMergesTotal); v != 2 {
		t.Fatalf("expected 2 merge cycles, got %v", v)
	}
	if v := testutil.ToFloat64(m.SyncAcceptedTotal); v != 3 {
		t.Fatalf("expected 3 accepted entries, got %v", v)
	}
}

func TestRecordSyncFailure(t *testing.T) {
	m := New()

	m.RecordSyncFailure()
	m.RecordSyncFailure()

	if v := testutil.ToFloat64(m.SyncFailuresTotal); v != 2 {
		t.Fatalf("expected sync failures 2, got %v", v)
	}
}

func TestRecordAuditAppend(t *testing.T) {
	m := New()

	m.RecordAuditAppend()
	m.RecordAuditAppend()
	m.RecordAuditAppend()

	if v := testutil.ToFloat64(m.AuditRecordsTotal); v != 3 {
		t.Fatalf("expected audit records 3, got %v", v)
	}
}

func TestSetDBPoolStats(t *testing.T) {
	m := New()

	m.SetDBPoolStats(DBPoolStats{Acquired: 3, Idle: 7, Total: 10})

	if v := testutil.ToFloat64(m.DBPoolAcquired); v != 3 {
		t.Fatalf("expected acquired 3, got %v", v)
	}
	if v := testutil.ToFloat64(m.DBPoolIdle); v != 7 {
		t.Fatalf("expected idle 7, got %v", v)
	}
	if v := testutil.ToFloat64(m.DBPoolTotal); v != 10 {
		t.Fatalf("expected total 10, got %v", v)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordAuditAppend()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	if rec.Code != 200 {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(string(body), "fluxflag_audit_records_total") {
		t.Fatal("expected response to contain fluxflag_audit_records_total")
	}
}

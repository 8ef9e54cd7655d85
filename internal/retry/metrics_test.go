package retry

import (
	"fmt"
	"testing"
	"time"
)

func TestMetricsAggregates(t *testing.T) {
	t.Parallel()
	m := NewMetrics(10)

	m.Begin("op-1")
	m.Attempt("op-1", "timeout")
	m.Attempt("op-1", "timeout")
	m.Attempt("op-1", "")
	m.End("op-1", true)

	m.Begin("op-2")
	m.Attempt("op-2", "auth")
	m.End("op-2", false)

	snap := m.Snapshot()
	if snap.TotalOperations != 2 || snap.Succeeded != 1 || snap.Failed != 1 {
		t.Fatalf("ops = %d/%d/%d, want 2/1/1", snap.TotalOperations, snap.Succeeded, snap.Failed)
	}
	if snap.TotalAttempts != 4 {
		t.Fatalf("attempts = %d, want 4", snap.TotalAttempts)
	}
	if snap.ErrorTypes["timeout"] != 2 || snap.ErrorTypes["auth"] != 1 {
		t.Fatalf("error histogram = %v", snap.ErrorTypes)
	}
	if snap.InFlight != 0 {
		t.Fatalf("in-flight = %d, want 0", snap.InFlight)
	}
	if len(snap.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(snap.Records))
	}
	first := snap.Records[0]
	if first.OperationID != "op-1" || !first.Succeeded || first.Attempts != 3 {
		t.Fatalf("record[0] = %+v", first)
	}
}

func TestMetricsRecoveryAverage(t *testing.T) {
	t.Parallel()
	m := NewMetrics(10)
	clock := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	// Succeeds after retries: counts toward recovery.
	m.Begin("slow")
	m.Attempt("slow", "connection")
	clock = clock.Add(4 * time.Second)
	m.Attempt("slow", "")
	m.End("slow", true)

	// Succeeds first try: no recovery sample.
	m.Begin("fast")
	m.Attempt("fast", "")
	m.End("fast", true)

	// Fails after retries: no recovery sample either.
	m.Begin("doomed")
	m.Attempt("doomed", "server")
	clock = clock.Add(10 * time.Second)
	m.Attempt("doomed", "server")
	m.End("doomed", false)

	snap := m.Snapshot()
	if snap.AvgRecovery != 4*time.Second {
		t.Fatalf("avg recovery = %s, want 4s", snap.AvgRecovery)
	}
}

func TestMetricsRecordRing(t *testing.T) {
	t.Parallel()
	m := NewMetrics(3)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("op-%d", i)
		m.Begin(id)
		m.Attempt(id, "")
		m.End(id, true)
	}

	snap := m.Snapshot()
	if len(snap.Records) != 3 {
		t.Fatalf("ring length = %d, want 3", len(snap.Records))
	}
	for i, want := range []string{"op-2", "op-3", "op-4"} {
		if snap.Records[i].OperationID != want {
			t.Fatalf("record[%d] = %q, want %q", i, snap.Records[i].OperationID, want)
		}
	}
	// Aggregates survive the trim.
	if snap.TotalOperations != 5 {
		t.Fatalf("total operations = %d, want 5", snap.TotalOperations)
	}
}

func TestMetricsInFlight(t *testing.T) {
	t.Parallel()
	m := NewMetrics(10)

	m.Begin("open-op")
	m.Attempt("open-op", "timeout")
	if got := m.Snapshot().InFlight; got != 1 {
		t.Fatalf("in-flight = %d, want 1", got)
	}
	if got := m.Snapshot().TotalOperations; got != 0 {
		t.Fatalf("unfinished op counted: total = %d, want 0", got)
	}
	m.End("open-op", false)
	if got := m.Snapshot().InFlight; got != 0 {
		t.Fatalf("in-flight after end = %d, want 0", got)
	}
}

func TestMetricsEndWithoutBegin(t *testing.T) {
	t.Parallel()
	m := NewMetrics(10)
	m.End("ghost", true)
	if got := m.Snapshot().TotalOperations; got != 0 {
		t.Fatalf("ghost end counted: total = %d, want 0", got)
	}
}

func TestMetricsReset(t *testing.T) {
	t.Parallel()
	m := NewMetrics(10)
	m.Begin("op")
	m.Attempt("op", "dns")
	m.End("op", false)
	m.Begin("pending")

	m.Reset()
	snap := m.Snapshot()
	if snap.TotalOperations != 0 || snap.TotalAttempts != 0 || snap.InFlight != 0 {
		t.Fatalf("reset left %+v", snap)
	}
	if len(snap.ErrorTypes) != 0 || len(snap.Records) != 0 {
		t.Fatalf("reset left histogram %v records %v", snap.ErrorTypes, snap.Records)
	}
}

func TestMetricsTopErrorTypes(t *testing.T) {
	t.Parallel()
	m := NewMetrics(10)
	for typ, n := range map[string]int{"timeout": 3, "auth": 1, "connection": 2} {
		for j := 0; j < n; j++ {
			id := fmt.Sprintf("%s-%d", typ, j)
			m.Begin(id)
			m.Attempt(id, typ)
			m.End(id, false)
		}
	}

	got := m.TopErrorTypes(2)
	want := []string{"timeout", "connection"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("TopErrorTypes(2) = %v, want %v", got, want)
	}
}

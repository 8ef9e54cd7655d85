package retry

import (
	"sort"
	"sync"
	"time"
)

const defaultMetricsRecords = 100

// Metrics collects retry outcomes across operations.
//
// It is a constructed service (owned by app startup), safe for concurrent
// use. The retry loop reports incrementally via Begin/Attempt/End keyed by
// operation id, so partially-complete operations are visible too.
type Metrics struct {
	mu sync.Mutex

	totalOps      uint64
	succeededOps  uint64
	failedOps     uint64
	totalAttempts uint64

	// Recovery time: wall time from first attempt to final success for
	// operations that needed more than one attempt.
	recoveryTotal time.Duration
	recoveryCount uint64

	errorTypes map[string]uint64

	records []OperationRecord
	limit   int

	active map[string]*activeOp

	now func() time.Time
}

type activeOp struct {
	startedAt  time.Time
	attempts   int
	errorTypes []string
}

// OperationRecord is one finished operation in the ring buffer.
type OperationRecord struct {
	OperationID string
	StartedAt   time.Time
	FinishedAt  time.Time
	Attempts    int
	Succeeded   bool
	ErrorTypes  []string
	Recovery    time.Duration
}

// MetricsSnapshot is a point-in-time aggregate view.
type MetricsSnapshot struct {
	TotalOperations uint64
	Succeeded       uint64
	Failed          uint64
	TotalAttempts   uint64
	AvgRecovery     time.Duration
	ErrorTypes      map[string]uint64
	InFlight        int
	Records         []OperationRecord
}

func NewMetrics(recordLimit int) *Metrics {
	if recordLimit <= 0 {
		recordLimit = defaultMetricsRecords
	}
	return &Metrics{
		errorTypes: map[string]uint64{},
		active:     map[string]*activeOp{},
		limit:      recordLimit,
		now:        time.Now,
	}
}

// Begin marks the start of a retry-wrapped operation.
func (m *Metrics) Begin(opID string) {
	if m == nil || opID == "" {
		return
	}
	m.mu.Lock()
	if _, dup := m.active[opID]; !dup {
		m.active[opID] = &activeOp{startedAt: m.now()}
	}
	m.mu.Unlock()
}

// Attempt records one attempt for opID. errType is empty for a successful
// attempt and the classified type otherwise.
func (m *Metrics) Attempt(opID, errType string) {
	if m == nil || opID == "" {
		return
	}
	m.mu.Lock()
	op := m.active[opID]
	if op == nil {
		// End-to-end callers always Begin first; tolerate out-of-order
		// events from external reporters.
		op = &activeOp{startedAt: m.now()}
		m.active[opID] = op
	}
	op.attempts++
	m.totalAttempts++
	if errType != "" {
		op.errorTypes = append(op.errorTypes, errType)
		m.errorTypes[errType]++
	}
	m.mu.Unlock()
}

// End finalizes opID and folds it into the aggregates and record ring.
func (m *Metrics) End(opID string, ok bool) {
	if m == nil || opID == "" {
		return
	}
	m.mu.Lock()
	op := m.active[opID]
	if op == nil {
		m.mu.Unlock()
		return
	}
	delete(m.active, opID)

	now := m.now()
	m.totalOps++
	if ok {
		m.succeededOps++
	} else {
		m.failedOps++
	}

	rec := OperationRecord{
		OperationID: opID,
		StartedAt:   op.startedAt,
		FinishedAt:  now,
		Attempts:    op.attempts,
		Succeeded:   ok,
		ErrorTypes:  op.errorTypes,
	}
	if ok && op.attempts > 1 {
		rec.Recovery = now.Sub(op.startedAt)
		if rec.Recovery < 0 {
			rec.Recovery = 0
		}
		m.recoveryTotal += rec.Recovery
		m.recoveryCount++
	}

	m.records = append(m.records, rec)
	if len(m.records) > m.limit {
		m.records = m.records[len(m.records)-m.limit:]
	}
	m.mu.Unlock()
}

// Reset clears all state. Operator action only.
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.totalOps = 0
	m.succeededOps = 0
	m.failedOps = 0
	m.totalAttempts = 0
	m.recoveryTotal = 0
	m.recoveryCount = 0
	m.errorTypes = map[string]uint64{}
	m.records = nil
	m.active = map[string]*activeOp{}
	m.mu.Unlock()
}

// Snapshot returns a copy of the aggregates and the record ring.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		TotalOperations: m.totalOps,
		Succeeded:       m.succeededOps,
		Failed:          m.failedOps,
		TotalAttempts:   m.totalAttempts,
		InFlight:        len(m.active),
		ErrorTypes:      make(map[string]uint64, len(m.errorTypes)),
		Records:         make([]OperationRecord, len(m.records)),
	}
	if m.recoveryCount > 0 {
		snap.AvgRecovery = m.recoveryTotal / time.Duration(m.recoveryCount)
	}
	for k, v := range m.errorTypes {
		snap.ErrorTypes[k] = v
	}
	copy(snap.Records, m.records)
	return snap
}

// TopErrorTypes returns the histogram keys sorted by descending count.
func (m *Metrics) TopErrorTypes(n int) []string {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	keys := make([]string, 0, len(m.errorTypes))
	for k := range m.errorTypes {
		keys = append(keys, k)
	}
	counts := make(map[string]uint64, len(m.errorTypes))
	for k, v := range m.errorTypes {
		counts[k] = v
	}
	m.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if n > 0 && len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

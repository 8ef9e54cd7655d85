package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "taskpilot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.tasks.snapshot.json (periodic snapshot of all tasks)
//   - <prefix>.tasks.journal.jsonl (append-only journal)
//   - <prefix>.runs.jsonl          (append-only run history)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	taskSnapshotPath string
	taskJournalFile  *os.File
	tasks            map[string]TaskRecord
	taskWrites       int

	runsFile *os.File
	runs     []RunRecord
}

// runsKeep bounds the in-memory tail served by RecentRuns; the jsonl
// file itself keeps everything.
const runsKeep = 1000

type taskJournalRecord struct {
	Task  *TaskRecord  `json:"task,omitempty"`
	Patch *statusPatch `json:"patch,omitempty"`
}

type statusPatch struct {
	ID     string    `json:"id"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".tasks.snapshot.json"
	journalPath := prefix + ".tasks.journal.jsonl"
	runsPath := prefix + ".runs.jsonl"

	tasks := map[string]TaskRecord{}
	_ = loadTaskSnapshot(snapPath, tasks)
	_ = replayTaskJournal(journalPath, tasks)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	runs, _ := loadRunsTail(runsPath, runsKeep)
	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}

	return &fileStore{
		log:              log,
		taskSnapshotPath: snapPath,
		taskJournalFile:  jf,
		tasks:            tasks,
		runsFile:         rf,
		runs:             runs,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.taskJournalFile != nil {
		err1 = s.taskJournalFile.Close()
		s.taskJournalFile = nil
	}
	if s.runsFile != nil {
		err2 = s.runsFile.Close()
		s.runsFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) SaveTask(ctx context.Context, t TaskRecord) error {
	_ = ctx
	t.ID = strings.TrimSpace(t.ID)
	if t.ID == "" {
		return errors.New("task id is required")
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusBacklog
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taskJournalFile == nil {
		return errors.New("task journal closed")
	}
	if prev, ok := s.tasks[t.ID]; ok && !prev.CreatedAt.IsZero() {
		t.CreatedAt = prev.CreatedAt
	}
	s.tasks[t.ID] = t
	if err := json.NewEncoder(s.taskJournalFile).Encode(taskJournalRecord{Task: &t}); err != nil {
		return err
	}
	s.noteWriteLocked()
	return nil
}

func (s *fileStore) UpdateStatus(ctx context.Context, id, status string) error {
	_ = ctx
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("task id is required")
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taskJournalFile == nil {
		return errors.New("task journal closed")
	}
	t, ok := s.tasks[id]
	if !ok {
		// A status for a task never saved still deserves a row.
		t = TaskRecord{ID: id, CreatedAt: now}
	}
	t.Status = status
	t.UpdatedAt = now
	s.tasks[id] = t
	if err := json.NewEncoder(s.taskJournalFile).Encode(taskJournalRecord{Patch: &statusPatch{ID: id, Status: status, At: now}}); err != nil {
		return err
	}
	s.noteWriteLocked()
	return nil
}

func (s *fileStore) GetTask(ctx context.Context, id string) (TaskRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[strings.TrimSpace(id)]
	if !ok {
		return TaskRecord{}, ErrNotFound
	}
	return t, nil
}

func (s *fileStore) ListTasks(ctx context.Context, status string) ([]TaskRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskRecord, 0, len(s.tasks))
	for _, t := range s.tasks {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return errors.New("runs file closed")
	}
	if err := json.NewEncoder(s.runsFile).Encode(r); err != nil {
		return err
	}
	s.runs = append(s.runs, r)
	if len(s.runs) > runsKeep {
		s.runs = s.runs[len(s.runs)-runsKeep:]
	}
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.runs) {
		limit = len(s.runs)
	}
	// Newest first.
	out := make([]RunRecord, 0, limit)
	for i := len(s.runs) - 1; i >= len(s.runs)-limit; i-- {
		out = append(out, s.runs[i])
	}
	return out, nil
}

func (s *fileStore) ResetActive(ctx context.Context) (int, error) {
	_ = ctx
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taskJournalFile == nil {
		return 0, errors.New("task journal closed")
	}
	n := 0
	for id, t := range s.tasks {
		if t.Status != StatusQueued && t.Status != StatusRunning {
			continue
		}
		t.Status = StatusBacklog
		t.UpdatedAt = now
		s.tasks[id] = t
		if err := json.NewEncoder(s.taskJournalFile).Encode(taskJournalRecord{Patch: &statusPatch{ID: id, Status: StatusBacklog, At: now}}); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		s.noteWriteLocked()
	}
	return n, nil
}

func (s *fileStore) noteWriteLocked() {
	s.taskWrites++
	if s.taskWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("task journal compact failed", logx.Any("err", err))
		}
	}
}

func (s *fileStore) compactLocked() error {
	tmp := s.taskSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.tasks); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.taskSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.taskJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.taskJournalFile.Seek(0, 2)
	return err
}

func loadTaskSnapshot(path string, out map[string]TaskRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]TaskRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayTaskJournal(path string, out map[string]TaskRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec taskJournalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		switch {
		case rec.Task != nil && rec.Task.ID != "":
			out[rec.Task.ID] = *rec.Task
		case rec.Patch != nil && rec.Patch.ID != "":
			t, ok := out[rec.Patch.ID]
			if !ok {
				t = TaskRecord{ID: rec.Patch.ID, CreatedAt: rec.Patch.At}
			}
			t.Status = rec.Patch.Status
			t.UpdatedAt = rec.Patch.At
			out[rec.Patch.ID] = t
		}
	}
	return sc.Err()
}

func loadRunsTail(path string, keep int) ([]RunRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var runs []RunRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		runs = append(runs, r)
		if len(runs) > keep {
			runs = runs[len(runs)-keep:]
		}
	}
	return runs, sc.Err()
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "taskpilot/pkg/logx"
)

func openFileStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "tasks.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st
}

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) returned a store, want nil", driver)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := openFileStore(t, t.TempDir())
	defer st.Close()

	rec := TaskRecord{
		ID:       "t-1",
		Title:    "Fix login redirect",
		Priority: "high",
		Status:   StatusQueued,
		Files:    []string{"auth/login.go"},
		Subtasks: 2,
		Profile:  "quick",
	}
	if err := st.SaveTask(ctx, rec); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	got, err := st.GetTask(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Title != rec.Title || got.Status != StatusQueued || got.Subtasks != 2 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamps to be set: %+v", got)
	}

	if err := st.UpdateStatus(ctx, "t-1", StatusDone); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	got, err = st.GetTask(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetTask after update: %v", err)
	}
	if got.Status != StatusDone {
		t.Fatalf("status = %q, want %q", got.Status, StatusDone)
	}

	if _, err := st.GetTask(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTask(nope) = %v, want ErrNotFound", err)
	}
}

func TestFileStoreListFiltersAndSorts(t *testing.T) {
	ctx := context.Background()
	st := openFileStore(t, t.TempDir())
	defer st.Close()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"c", "a", "b"} {
		rec := TaskRecord{ID: id, Title: id, Priority: "normal", Status: StatusBacklog, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := st.SaveTask(ctx, rec); err != nil {
			t.Fatalf("SaveTask(%s): %v", id, err)
		}
	}
	if err := st.UpdateStatus(ctx, "a", StatusDone); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	all, err := st.ListTasks(ctx, "")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
	if all[0].ID != "c" || all[1].ID != "a" || all[2].ID != "b" {
		t.Fatalf("unexpected order: %s, %s, %s", all[0].ID, all[1].ID, all[2].ID)
	}

	done, err := st.ListTasks(ctx, StatusDone)
	if err != nil {
		t.Fatalf("ListTasks(done): %v", err)
	}
	if len(done) != 1 || done[0].ID != "a" {
		t.Fatalf("unexpected done list: %+v", done)
	}
}

func TestFileStoreLenientStatus(t *testing.T) {
	ctx := context.Background()
	st := openFileStore(t, t.TempDir())
	defer st.Close()

	if err := st.UpdateStatus(ctx, "ghost", StatusRunning); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	got, err := st.GetTask(ctx, "ghost")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("status = %q, want %q", got.Status, StatusRunning)
	}
}

func TestFileStoreJournalReplay(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	st := openFileStore(t, dir)
	if err := st.SaveTask(ctx, TaskRecord{ID: "t-1", Title: "one", Priority: "normal", Status: StatusQueued}); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	if err := st.SaveTask(ctx, TaskRecord{ID: "t-2", Title: "two", Priority: "low", Status: StatusBacklog}); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	if err := st.UpdateStatus(ctx, "t-1", StatusFailed); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st = openFileStore(t, dir)
	defer st.Close()
	got, err := st.GetTask(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetTask after reopen: %v", err)
	}
	if got.Status != StatusFailed || got.Title != "one" {
		t.Fatalf("unexpected replayed record: %+v", got)
	}
	all, err := st.ListTasks(ctx, "")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 tasks after reopen, got %d", len(all))
	}
}

func TestFileStoreCompaction(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	st := openFileStore(t, dir)
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("t-%03d", i%10)
		if err := st.SaveTask(ctx, TaskRecord{ID: id, Title: id, Priority: "normal", Status: StatusBacklog}); err != nil {
			t.Fatalf("SaveTask #%d: %v", i, err)
		}
	}

	journal := filepath.Join(dir, "tasks.tasks.journal.jsonl")
	info, err := os.Stat(journal)
	if err != nil {
		t.Fatalf("stat journal: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected journal truncated after compaction, size = %d", info.Size())
	}
	if _, err := os.Stat(filepath.Join(dir, "tasks.tasks.snapshot.json")); err != nil {
		t.Fatalf("expected snapshot file: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st = openFileStore(t, dir)
	defer st.Close()
	all, err := st.ListTasks(ctx, "")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(all) != 10 {
		t.Fatalf("expected 10 tasks after compaction+reopen, got %d", len(all))
	}
}

func TestFileStoreResetActive(t *testing.T) {
	ctx := context.Background()
	st := openFileStore(t, t.TempDir())
	defer st.Close()

	statuses := map[string]string{
		"q": StatusQueued,
		"r": StatusRunning,
		"d": StatusDone,
		"f": StatusFailed,
		"b": StatusBacklog,
	}
	for id, status := range statuses {
		if err := st.SaveTask(ctx, TaskRecord{ID: id, Title: id, Priority: "normal", Status: status}); err != nil {
			t.Fatalf("SaveTask(%s): %v", id, err)
		}
	}

	n, err := st.ResetActive(ctx)
	if err != nil {
		t.Fatalf("ResetActive: %v", err)
	}
	if n != 2 {
		t.Fatalf("ResetActive = %d, want 2", n)
	}
	for id, was := range statuses {
		got, err := st.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("GetTask(%s): %v", id, err)
		}
		want := was
		if was == StatusQueued || was == StatusRunning {
			want = StatusBacklog
		}
		if got.Status != want {
			t.Fatalf("task %s status = %q, want %q", id, got.Status, want)
		}
	}
}

func TestFileStoreRuns(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	st := openFileStore(t, dir)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		run := RunRecord{
			TaskID:    fmt.Sprintf("t-%d", i),
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Duration:  time.Duration(i+1) * time.Second,
			Subtasks:  i,
			Attempts:  1,
			OK:        i%2 == 0,
		}
		if err := st.AppendRun(ctx, run); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}

	recent, err := st.RecentRuns(ctx, 3)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(recent))
	}
	if recent[0].TaskID != "t-4" || recent[2].TaskID != "t-2" {
		t.Fatalf("expected newest first, got %s .. %s", recent[0].TaskID, recent[len(recent)-1].TaskID)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st = openFileStore(t, dir)
	defer st.Close()
	recent, err = st.RecentRuns(ctx, 0)
	if err != nil {
		t.Fatalf("RecentRuns after reopen: %v", err)
	}
	if len(recent) != 5 {
		t.Fatalf("expected 5 runs after reopen, got %d", len(recent))
	}
}

package conflict

import (
	"testing"

	logx "taskpilot/pkg/logx"
)

func newTestDetector() *Detector {
	return New(Config{}, logx.Nop())
}

func findPattern(p Prediction, pattern string) (Pattern, bool) {
	for _, pat := range p.Patterns {
		if pat.Pattern == pattern {
			return pat, true
		}
	}
	return Pattern{}, false
}

func TestAnalyzeExplicitFiles(t *testing.T) {
	t.Parallel()
	d := newTestDetector()

	pred := d.AnalyzeFiles(Task{
		ID:    "t1",
		Files: []string{"backend/routers/users.py", "./backend/models/user.py"},
	})

	for _, want := range []string{"backend/routers/users.py", "backend/models/user.py"} {
		pat, ok := findPattern(pred, want)
		if !ok {
			t.Fatalf("missing explicit pattern %q in %+v", want, pred.Patterns)
		}
		if pat.Confidence != 1.0 || pat.Source != SourceExplicit {
			t.Fatalf("pattern %q = %+v, want confidence 1.0 from explicit", want, pat)
		}
	}
	wantDirs := []string{"backend/models", "backend/routers"}
	if len(pred.Dirs) != 2 || pred.Dirs[0] != wantDirs[0] || pred.Dirs[1] != wantDirs[1] {
		t.Fatalf("dirs = %v, want %v", pred.Dirs, wantDirs)
	}
}

func TestAnalyzeMinesFileTokens(t *testing.T) {
	t.Parallel()
	d := newTestDetector()

	pred := d.AnalyzeFiles(Task{
		ID:          "t2",
		Title:       "Fix pagination",
		Description: "Update backend/routers/items.py and adjust helpers.py accordingly.",
	})

	pat, ok := findPattern(pred, "backend/routers/items.py")
	if !ok || pat.Confidence != 0.9 || pat.Source != SourceMined {
		t.Fatalf("path token = %+v (found %v), want mined at 0.9", pat, ok)
	}
	pat, ok = findPattern(pred, "helpers.py")
	if !ok || pat.Confidence != 0.8 || pat.Source != SourceMined {
		t.Fatalf("file token = %+v (found %v), want mined at 0.8", pat, ok)
	}
}

func TestAnalyzeKeywordGlobs(t *testing.T) {
	t.Parallel()
	d := newTestDetector()

	pred := d.AnalyzeFiles(Task{
		ID:          "t3",
		Description: "Improve auth error messages",
	})

	pat, ok := findPattern(pred, "backend/routers/auth*.py")
	if !ok {
		t.Fatalf("keyword glob missing from %+v", pred.Patterns)
	}
	if pat.Confidence != 0.6 || pat.Source != SourceKeyword {
		t.Fatalf("keyword pattern = %+v, want confidence 0.6 from keyword", pat)
	}
}

func TestAnalyzeMergeKeepsHighestConfidence(t *testing.T) {
	t.Parallel()
	d := newTestDetector()

	// The same path arrives explicitly and mined from text; the explicit
	// weight must win.
	pred := d.AnalyzeFiles(Task{
		ID:          "t4",
		Description: "Touch backend/models/user.py",
		Files:       []string{"backend/models/user.py"},
	})

	pat, ok := findPattern(pred, "backend/models/user.py")
	if !ok || pat.Confidence != 1.0 || pat.Source != SourceExplicit {
		t.Fatalf("merged pattern = %+v, want explicit at 1.0", pat)
	}
	count := 0
	for _, p := range pred.Patterns {
		if p.Pattern == "backend/models/user.py" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("pattern duplicated %d times", count)
	}
}

func TestAnalyzeIgnoresNoise(t *testing.T) {
	t.Parallel()
	d := newTestDetector()

	pred := d.AnalyzeFiles(Task{
		ID:          "t5",
		Description: "Bump to v1.2, see https://example.com/guide.py e.g. the intro section",
	})

	if len(pred.Patterns) != 0 {
		t.Fatalf("noise produced patterns: %+v", pred.Patterns)
	}
}

func TestAnalyzeCachePerTaskID(t *testing.T) {
	t.Parallel()
	d := newTestDetector()

	first := d.AnalyzeFiles(Task{ID: "t6", Files: []string{"a/b.py"}})
	if len(first.Patterns) != 1 {
		t.Fatalf("patterns = %+v, want 1", first.Patterns)
	}

	// Same id, different content: until invalidated, the cache answers.
	second := d.AnalyzeFiles(Task{ID: "t6", Files: []string{"c/d.py"}})
	if len(second.Patterns) != 1 || second.Patterns[0].Pattern != "a/b.py" {
		t.Fatalf("cached prediction = %+v, want original a/b.py", second.Patterns)
	}

	d.Invalidate("t6")
	third := d.AnalyzeFiles(Task{ID: "t6", Files: []string{"c/d.py"}})
	if len(third.Patterns) != 1 || third.Patterns[0].Pattern != "c/d.py" {
		t.Fatalf("post-invalidate prediction = %+v, want c/d.py", third.Patterns)
	}
}

func TestAnalyzeConcurrentSameID(t *testing.T) {
	t.Parallel()
	d := newTestDetector()

	task := Task{ID: "t7", Files: []string{"x/y.go"}}
	done := make(chan Prediction, 8)
	for i := 0; i < 8; i++ {
		go func() {
			done <- d.AnalyzeFiles(task)
		}()
	}
	for i := 0; i < 8; i++ {
		pred := <-done
		if len(pred.Patterns) != 1 || pred.Patterns[0].Pattern != "x/y.go" {
			t.Fatalf("prediction = %+v", pred.Patterns)
		}
	}
}

func TestApplySwapsKeywordRules(t *testing.T) {
	t.Parallel()
	d := newTestDetector()

	before := d.AnalyzeFiles(Task{ID: "t9", Title: "fix payments flow"})
	if _, ok := findPattern(before, "services/payments/*"); ok {
		t.Fatalf("custom keyword matched before Apply: %+v", before.Patterns)
	}

	d.Apply(Config{Keywords: map[string][]string{
		"payments": {"services/payments/*"},
	}})

	// Apply drops the cache, so the same id re-analyzes under new rules.
	after := d.AnalyzeFiles(Task{ID: "t9", Title: "fix payments flow"})
	pat, ok := findPattern(after, "services/payments/*")
	if !ok {
		t.Fatalf("custom keyword not matched after Apply: %+v", after.Patterns)
	}
	if pat.Source != SourceKeyword {
		t.Fatalf("pattern source = %v, want keyword", pat.Source)
	}

	// The builtin table is gone once a custom one is supplied.
	builtin := d.AnalyzeFiles(Task{ID: "t10", Title: "auth cleanup"})
	if _, ok := findPattern(builtin, "backend/routers/auth*.py"); ok {
		t.Fatalf("builtin keyword still active after Apply: %+v", builtin.Patterns)
	}
}

package conflict

import (
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"golang.org/x/sync/singleflight"

	logx "taskpilot/pkg/logx"
)

// Confidence weights per pattern source. Explicit references are ground
// truth; mined tokens are strong evidence; keyword globs are guesses.
const (
	confidenceExplicit  = 1.0
	confidencePathToken = 0.9
	confidenceFileToken = 0.8
	confidenceKeyword   = 0.6
)

// Config controls prediction. A nil Keywords map selects the built-in
// table; pass an empty non-nil map to disable keyword matching.
type Config struct {
	Keywords map[string][]string
}

func (c Config) withDefaults() Config {
	if c.Keywords == nil {
		c.Keywords = defaultKeywordGlobs()
	}
	return c
}

// defaultKeywordGlobs maps free-text topic words to the file areas such
// work usually lands in. Tuned for the backend/frontend repo layout the
// agent operates on.
func defaultKeywordGlobs() map[string][]string {
	return map[string][]string{
		"auth":      {"backend/routers/auth*.py", "backend/auth/*"},
		"login":     {"backend/routers/auth*.py"},
		"api":       {"backend/routers/*.py"},
		"endpoint":  {"backend/routers/*.py"},
		"database":  {"backend/models/*.py", "backend/db/*"},
		"model":     {"backend/models/*.py"},
		"schema":    {"backend/schemas/*.py"},
		"migration": {"backend/migrations/*"},
		"frontend":  {"frontend/src/*"},
		"component": {"frontend/src/components/*"},
		"style":     {"frontend/src/*.css"},
		"test":      {"tests/*"},
		"config":    {"config/*"},
		"docs":      {"docs/*", "README.md"},
	}
}

// Detector predicts the files and directories tasks will touch and
// reports likely overlaps. Predictions are heuristic and cached per task
// id until invalidated.
type Detector struct {
	mu    sync.Mutex
	cfg   Config
	cache map[string]Prediction
	globs map[string]glob.Glob

	sf  singleflight.Group
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Detector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Detector{
		cfg:   cfg.withDefaults(),
		cache: make(map[string]Prediction),
		globs: make(map[string]glob.Glob),
		log:   log,
	}
}

// AnalyzeFiles predicts the file patterns for t, merging explicit
// references, file-like tokens mined from the free text, and keyword
// globs. Results are cached by task id; concurrent calls for the same id
// share one computation.
func (d *Detector) AnalyzeFiles(t Task) Prediction {
	if t.ID == "" {
		return d.analyze(t)
	}

	d.mu.Lock()
	if p, ok := d.cache[t.ID]; ok {
		d.mu.Unlock()
		return p
	}
	d.mu.Unlock()

	v, _, _ := d.sf.Do(t.ID, func() (interface{}, error) {
		p := d.analyze(t)
		d.mu.Lock()
		d.cache[t.ID] = p
		d.mu.Unlock()
		return p, nil
	})
	return v.(Prediction)
}

// Invalidate drops the cached prediction for id, forcing the next
// AnalyzeFiles to recompute. Call it when a task's text or file list
// changes.
func (d *Detector) Invalidate(id string) {
	if id == "" {
		return
	}
	d.sf.Forget(id)
	d.mu.Lock()
	delete(d.cache, id)
	d.mu.Unlock()
}

// InvalidateAll clears the whole prediction cache.
func (d *Detector) InvalidateAll() {
	d.mu.Lock()
	d.cache = make(map[string]Prediction)
	d.mu.Unlock()
}

// Apply swaps the keyword table. Cached predictions and compiled globs
// are dropped so the new rules take effect on the next analysis.
func (d *Detector) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.cache = make(map[string]Prediction)
	d.globs = make(map[string]glob.Glob)
	d.mu.Unlock()
}

func (d *Detector) analyze(t Task) Prediction {
	merged := make(map[string]Pattern)
	add := func(p Pattern) {
		p.Pattern = normalizePattern(p.Pattern)
		if p.Pattern == "" {
			return
		}
		if prev, ok := merged[p.Pattern]; ok && prev.Confidence >= p.Confidence {
			return
		}
		merged[p.Pattern] = p
	}

	for _, f := range t.Files {
		add(Pattern{Pattern: f, Confidence: confidenceExplicit, Source: SourceExplicit})
	}

	text := t.Title + " " + t.Description
	for _, p := range mineFileTokens(text) {
		add(p)
	}

	// Snapshot the table; Apply replaces the map, never mutates it.
	d.mu.Lock()
	keywords := d.cfg.Keywords
	d.mu.Unlock()

	haystack := strings.ToLower(text)
	for keyword, globs := range keywords {
		if !strings.Contains(haystack, keyword) {
			continue
		}
		for _, g := range globs {
			add(Pattern{Pattern: g, Confidence: confidenceKeyword, Source: SourceKeyword})
		}
	}

	pred := Prediction{TaskID: t.ID}
	dirs := make(map[string]struct{})
	for _, p := range merged {
		pred.Patterns = append(pred.Patterns, p)
		if dir := patternDir(p.Pattern); dir != "" {
			dirs[dir] = struct{}{}
		}
	}
	sort.Slice(pred.Patterns, func(i, j int) bool {
		a, b := pred.Patterns[i], pred.Patterns[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Pattern < b.Pattern
	})
	for dir := range dirs {
		pred.Dirs = append(pred.Dirs, dir)
	}
	sort.Strings(pred.Dirs)

	d.log.Debug("analyzed task files",
		logx.String("task", t.ID),
		logx.Int("patterns", len(pred.Patterns)),
		logx.Int("dirs", len(pred.Dirs)))
	return pred
}

// tokenTrimSet strips the punctuation that clings to paths in prose.
// '*' and '?' stay so explicit globs in descriptions survive.
const tokenTrimSet = ".,;:!\"'`()[]{}<>"

// extRe accepts extensions that start with a letter, so version numbers
// like "v1.2" don't read as files.
var extRe = regexp.MustCompile(`^\.[A-Za-z][A-Za-z0-9]{0,7}$`)

// fileExts is the allowlist for bare (slash-free) file tokens, where an
// extension alone must carry the evidence.
var fileExts = map[string]struct{}{
	".py": {}, ".go": {}, ".js": {}, ".jsx": {}, ".ts": {}, ".tsx": {},
	".java": {}, ".rb": {}, ".rs": {}, ".c": {}, ".h": {}, ".cpp": {},
	".cs": {}, ".php": {}, ".sql": {}, ".sh": {}, ".yaml": {}, ".yml": {},
	".json": {}, ".toml": {}, ".ini": {}, ".md": {}, ".html": {},
	".css": {}, ".scss": {}, ".vue": {}, ".svelte": {}, ".proto": {},
	".tf": {}, ".env": {},
}

// mineFileTokens pulls file-like words out of free text. A token with a
// directory component is stronger evidence than a bare filename.
func mineFileTokens(text string) []Pattern {
	var out []Pattern
	for _, word := range strings.Fields(text) {
		tok := strings.Trim(word, tokenTrimSet)
		if tok == "" || strings.ContainsAny(tok, ":@#$%&=\\") {
			continue
		}
		ext := path.Ext(strings.TrimRight(tok, "*?"))
		if !extRe.MatchString(ext) {
			continue
		}
		if strings.Contains(tok, "/") {
			out = append(out, Pattern{Pattern: tok, Confidence: confidencePathToken, Source: SourceMined})
			continue
		}
		if _, known := fileExts[strings.ToLower(ext)]; known {
			out = append(out, Pattern{Pattern: tok, Confidence: confidenceFileToken, Source: SourceMined})
		}
	}
	return out
}

// normalizePattern canonicalizes to repo-relative slash paths.
func normalizePattern(p string) string {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimPrefix(p, "/")
	return p
}

// patternDir is the directory a pattern constrains, or "" when the
// pattern is top-level or starts with a wildcard segment.
func patternDir(p string) string {
	dir := path.Dir(p)
	if dir == "." || dir == "/" || strings.ContainsAny(dir, "*?[{") {
		return ""
	}
	return dir
}

// isGlob reports whether p contains glob metacharacters.
func isGlob(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}

// compiledGlob returns a cached compiled glob, path-separator aware.
func (d *Detector) compiledGlob(pattern string) (glob.Glob, bool) {
	d.mu.Lock()
	g, ok := d.globs[pattern]
	d.mu.Unlock()
	if ok {
		return g, g != nil
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		g = nil
	}
	d.mu.Lock()
	d.globs[pattern] = g
	d.mu.Unlock()
	return g, g != nil
}

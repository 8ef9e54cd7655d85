package conflict

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// CheckConflict analyzes both tasks and reports the strongest predicted
// overlap: identical pattern strings rank High, wildcard or same-directory
// overlap with a shared extension ranks Medium, and a merely shared
// directory also ranks Medium. The zero Conflict and false mean no overlap
// was predicted.
func (d *Detector) CheckConflict(a, b Task) (Conflict, bool) {
	if a.ID != "" && a.ID == b.ID {
		return Conflict{}, false
	}
	return d.checkPredictions(d.AnalyzeFiles(a), d.AnalyzeFiles(b))
}

func (d *Detector) checkPredictions(pa, pb Prediction) (Conflict, bool) {
	conflict := Conflict{TaskA: pa.TaskID, TaskB: pb.TaskID}

	// Identical pattern strings: both predictions name the same target.
	seen := make(map[string]struct{}, len(pa.Patterns))
	for _, p := range pa.Patterns {
		seen[p.Pattern] = struct{}{}
	}
	var exact []string
	for _, p := range pb.Patterns {
		if _, ok := seen[p.Pattern]; ok {
			exact = append(exact, p.Pattern)
		}
	}
	if len(exact) > 0 {
		sort.Strings(exact)
		conflict.Severity = SeverityHigh
		conflict.Patterns = exact
		conflict.Description = fmt.Sprintf("both tasks target %s", strings.Join(exact, ", "))
		return conflict, true
	}

	// Wildcard match or same directory with the same extension.
	var overlapping []string
	for _, x := range pa.Patterns {
		for _, y := range pb.Patterns {
			if d.patternsOverlap(x.Pattern, y.Pattern) {
				overlapping = append(overlapping, x.Pattern+" ~ "+y.Pattern)
			}
		}
	}
	if len(overlapping) > 0 {
		sort.Strings(overlapping)
		conflict.Severity = SeverityMedium
		conflict.Patterns = overlapping
		conflict.Description = fmt.Sprintf("overlapping file patterns: %s", strings.Join(overlapping, "; "))
		return conflict, true
	}

	// Shared predicted directory only.
	if shared := sharedDirs(pa.Dirs, pb.Dirs); len(shared) > 0 {
		conflict.Severity = SeverityMedium
		conflict.Patterns = shared
		conflict.Description = fmt.Sprintf("both tasks touch %s/", strings.Join(shared, "/, "))
		return conflict, true
	}

	return Conflict{}, false
}

// patternsOverlap reports whether two predicted patterns plausibly hit
// the same file: a glob on one side matching the concrete path on the
// other, or nested/equal directories with the same file extension.
func (d *Detector) patternsOverlap(a, b string) bool {
	ag, bg := isGlob(a), isGlob(b)
	if ag != bg {
		pattern, concrete := a, b
		if bg {
			pattern, concrete = b, a
		}
		if g, ok := d.compiledGlob(pattern); ok && g.Match(concrete) {
			return true
		}
	}

	extA, extB := path.Ext(strings.TrimRight(a, "*?")), path.Ext(strings.TrimRight(b, "*?"))
	if extA == "" || extA != extB {
		return false
	}
	dirA, dirB := patternDir(a), patternDir(b)
	if dirA == "" || dirB == "" {
		return false
	}
	return dirA == dirB ||
		strings.HasPrefix(dirA+"/", dirB+"/") ||
		strings.HasPrefix(dirB+"/", dirA+"/")
}

func sharedDirs(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(a))
	for _, dir := range a {
		set[dir] = struct{}{}
	}
	var shared []string
	for _, dir := range b {
		if _, ok := set[dir]; ok {
			shared = append(shared, dir)
		}
	}
	sort.Strings(shared)
	return shared
}

// AllConflicts scans every pair of tasks. Quadratic, fine at the tens of
// queued items this runs over.
func (d *Detector) AllConflicts(items []Task) []Conflict {
	var out []Conflict
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			if c, ok := d.CheckConflict(items[i], items[j]); ok {
				out = append(out, c)
			}
		}
	}
	return out
}

// TaskConflicts reports every conflict between t and the given tasks.
func (d *Detector) TaskConflicts(t Task, items []Task) []Conflict {
	var out []Conflict
	for _, other := range items {
		if other.ID == t.ID {
			continue
		}
		if c, ok := d.CheckConflict(t, other); ok {
			out = append(out, c)
		}
	}
	return out
}

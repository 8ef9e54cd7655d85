package conflict

import "fmt"

// Task is the slice of a work item the detector cares about: identity,
// free text to mine, and any explicitly declared file references.
type Task struct {
	ID          string
	Title       string
	Description string

	// Files are repo-relative paths the caller already knows the task
	// will touch. They enter the prediction at full confidence.
	Files []string
}

// Source says where a predicted pattern came from.
type Source string

const (
	// SourceExplicit is a caller-declared file reference.
	SourceExplicit Source = "explicit"
	// SourceMined is a file-like token found in the task's free text.
	SourceMined Source = "mined"
	// SourceKeyword is a glob from the keyword lookup table.
	SourceKeyword Source = "keyword"
)

// Pattern is one predicted file or glob with its confidence weight.
type Pattern struct {
	Pattern    string
	Confidence float64
	Source     Source
}

// Prediction is the cached analysis result for one task.
type Prediction struct {
	TaskID   string
	Patterns []Pattern
	// Dirs is the set of directories the patterns fall under, sorted.
	Dirs []string
}

// Severity ranks a detected conflict. Grouping treats Medium and High as
// hard edges; Low is informational.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Conflict is a predicted overlap between two tasks' file boundaries.
// The detector is advisory: absence of a Conflict is not a safety
// guarantee, and presence does not block scheduling.
type Conflict struct {
	TaskA       string
	TaskB       string
	Patterns    []string
	Severity    Severity
	Description string
}

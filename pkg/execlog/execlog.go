// Package execlog records tool invocations per agent instance and renders
// the structured work report a child agent hands back to its parent. The
// report text is a contract: its key names and whitespace are fixed.
package execlog

import (
	"sort"
	"sync"
	"time"
)

// Status is an agent run's terminal status.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusPartial   Status = "partial"
)

// ToolExecution is a single tool call record.
type ToolExecution struct {
	Name        string
	StartedAt   time.Time
	Duration    time.Duration
	OK          bool
	Error       string
	ResultBytes int
}

// ToolCount pairs a tool name with its invocation count.
type ToolCount struct {
	Name  string
	Count int
}

// Log is an append-only execution record for one agent instance.
type Log struct {
	mu sync.Mutex

	sessionID       string
	parentSessionID string
	startedAt       time.Time
	finishedAt      time.Time
	status          Status

	executions   []ToolExecution
	filesRead    []string
	filesWritten []string
	filesEdited  []string
	seenRead     map[string]bool
	seenWritten  map[string]bool
	seenEdited   map[string]bool
}

// New creates a log for a session. parentSessionID is empty for a root
// agent.
func New(sessionID, parentSessionID string) *Log {
	return &Log{
		sessionID:       sessionID,
		parentSessionID: parentSessionID,
		startedAt:       time.Now(),
		seenRead:        make(map[string]bool),
		seenWritten:     make(map[string]bool),
		seenEdited:      make(map[string]bool),
	}
}

// SessionID returns the owning session id.
func (l *Log) SessionID() string {
	return l.sessionID
}

// Record appends one tool execution.
func (l *Log) Record(exec ToolExecution) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.executions = append(l.executions, exec)
}

// AddFileRead records a file read, deduplicated.
func (l *Log) AddFileRead(path string) {
	l.addFile(&l.filesRead, l.seenRead, path)
}

// AddFileWritten records a file creation or overwrite, deduplicated.
func (l *Log) AddFileWritten(path string) {
	l.addFile(&l.filesWritten, l.seenWritten, path)
}

// AddFileEdited records an in-place edit, deduplicated.
func (l *Log) AddFileEdited(path string) {
	l.addFile(&l.filesEdited, l.seenEdited, path)
}

func (l *Log) addFile(list *[]string, seen map[string]bool, path string) {
	if path == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if seen[path] {
		return
	}
	seen[path] = true
	*list = append(*list, path)
}

// Finish stamps the terminal status and end time. Repeated calls keep the
// first outcome.
func (l *Log) Finish(status Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status != "" {
		return
	}
	l.status = status
	l.finishedAt = time.Now()
}

// Status returns the terminal status, empty while running.
func (l *Log) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Duration returns elapsed run time, using now while the log is open.
func (l *Log) Duration() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finishedAt.IsZero() {
		return time.Since(l.startedAt)
	}
	return l.finishedAt.Sub(l.startedAt)
}

// Totals returns overall, succeeded, and failed execution counts.
func (l *Log) Totals() (total, succeeded, failed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.executions {
		total++
		if e.OK {
			succeeded++
		} else {
			failed++
		}
	}
	return total, succeeded, failed
}

// SuccessRate returns the integer success percentage. ok is false when no
// tools ran.
func (l *Log) SuccessRate() (rate int, ok bool) {
	total, succeeded, _ := l.Totals()
	if total == 0 {
		return 0, false
	}
	return succeeded * 100 / total, true
}

// ToolUsage returns per-name counts sorted by count descending, ties by
// name ascending.
func (l *Log) ToolUsage() []ToolCount {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[string]int)
	var order []string
	for _, e := range l.executions {
		if counts[e.Name] == 0 {
			order = append(order, e.Name)
		}
		counts[e.Name]++
	}

	usage := make([]ToolCount, 0, len(order))
	for _, name := range order {
		usage = append(usage, ToolCount{Name: name, Count: counts[name]})
	}
	sort.Slice(usage, func(i, j int) bool {
		if usage[i].Count != usage[j].Count {
			return usage[i].Count > usage[j].Count
		}
		return usage[i].Name < usage[j].Name
	})
	return usage
}

// Tail returns the last n executions, oldest first.
func (l *Log) Tail(n int) []ToolExecution {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > len(l.executions) {
		n = len(l.executions)
	}
	out := make([]ToolExecution, n)
	copy(out, l.executions[len(l.executions)-n:])
	return out
}

// Files returns copies of the deduplicated file lists in touch order.
func (l *Log) Files() (read, written, edited []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.filesRead...),
		append([]string(nil), l.filesWritten...),
		append([]string(nil), l.filesEdited...)
}

package execlog

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_TotalsAndSuccessRate(t *testing.T) {
	l := New("s1", "")

	_, ok := l.SuccessRate()
	assert.False(t, ok)

	l.Record(ToolExecution{Name: "read_file", OK: true})
	l.Record(ToolExecution{Name: "read_file", OK: true})
	l.Record(ToolExecution{Name: "bash", OK: false, Error: "exit 1"})

	total, succeeded, failed := l.Totals()
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 1, failed)

	rate, ok := l.SuccessRate()
	require.True(t, ok)
	assert.Equal(t, 66, rate)
}

func TestLog_ToolUsageOrdering(t *testing.T) {
	l := New("s1", "")
	l.Record(ToolExecution{Name: "bash", OK: true})
	l.Record(ToolExecution{Name: "read_file", OK: true})
	l.Record(ToolExecution{Name: "read_file", OK: true})
	l.Record(ToolExecution{Name: "edit_file", OK: true})

	usage := l.ToolUsage()
	require.Len(t, usage, 3)
	// Count descending, then name ascending.
	assert.Equal(t, ToolCount{Name: "read_file", Count: 2}, usage[0])
	assert.Equal(t, ToolCount{Name: "bash", Count: 1}, usage[1])
	assert.Equal(t, ToolCount{Name: "edit_file", Count: 1}, usage[2])
}

func TestLog_FileDeduplication(t *testing.T) {
	l := New("s1", "")
	l.AddFileRead("/a")
	l.AddFileRead("/a")
	l.AddFileRead("/b")
	l.AddFileWritten("/c")
	l.AddFileEdited("/c")

	read, written, edited := l.Files()
	assert.Equal(t, []string{"/a", "/b"}, read)
	assert.Equal(t, []string{"/c"}, written)
	assert.Equal(t, []string{"/c"}, edited)
}

func TestReport_Completed(t *testing.T) {
	l := New("abc-123", "parent-9")
	l.Record(ToolExecution{Name: "read_file", OK: true})
	l.AddFileRead("foo.txt")
	l.Finish(StatusCompleted)

	report := l.Report("42", nil)
	lines := strings.Split(report, "\n")

	assert.Equal(t, "session_id: abc-123", lines[0])
	assert.Equal(t, "parent_session_id: parent-9", lines[1])
	assert.Contains(t, report, "status: completed\n")
	assert.Contains(t, report, "success_rate: 100%\n")
	assert.Contains(t, report, "files.read.count: 1\n")
	assert.Contains(t, report, "files.read: foo.txt\n")
	assert.Contains(t, report, "files.written.count: 0\n")
	assert.Contains(t, report, "tools:\n  - read_file: 1x\n")
	assert.NotContains(t, report, "category:")
	assert.True(t, strings.HasSuffix(report, "---\n42"))
}

func TestReport_NoTools(t *testing.T) {
	l := New("abc", "")
	l.Finish(StatusCompleted)

	report := l.Report("done", nil)
	assert.Contains(t, report, "success_rate: N/A\n")
	assert.Contains(t, report, "tools: none\n")
	assert.NotContains(t, report, "parent_session_id:")
}

func TestReport_TimeoutFailure(t *testing.T) {
	l := New("abc", "p")
	l.Record(ToolExecution{Name: "read_file", OK: true})
	l.Record(ToolExecution{Name: "read_file", OK: true})
	l.Record(ToolExecution{Name: "write_file", OK: true})
	l.AddFileRead("/a")
	l.AddFileRead("/b")
	l.AddFileWritten("/c")
	l.Finish(StatusTimeout)

	failure := Categorize(l, CauseTimeout, "", 300*time.Second)
	report := l.Report("partial results", failure)

	assert.Contains(t, report, "status: timeout\n")
	assert.Contains(t, report, "category: TIMEOUT\n")
	assert.Contains(t, report, "files.read.count: 2\n")
	assert.Contains(t, report, "files.written.count: 1\n")
	assert.Contains(t, report, "blocked_on: Time limit insufficient\n")
	assert.Contains(t, report, "suggested_actions:\n  - Retry with timeout=600s\n")
}

func TestReport_PathTruncation(t *testing.T) {
	l := New("abc", "")
	for i := 0; i < 25; i++ {
		l.AddFileRead(fmt.Sprintf("/f%02d", i))
	}
	l.Finish(StatusCompleted)

	report := l.Report("", nil)
	assert.Contains(t, report, "files.read.count: 25\n")
	assert.Contains(t, report, ", …\n")
	assert.NotContains(t, report, "/f20,")
}

func TestReport_StatusStamping(t *testing.T) {
	l := New("abc", "")
	l.Finish(StatusFailed)
	l.Finish(StatusCompleted)
	assert.Equal(t, StatusFailed, l.Status())
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*Log)
		cause    TerminationCause
		errMsg   string
		expected Category
	}{
		{
			name:     "timeout",
			cause:    CauseTimeout,
			expected: CategoryTimeout,
		},
		{
			name:     "cancelled",
			cause:    CauseCancelled,
			expected: CategoryPartialSuccess,
		},
		{
			name:     "invalid task",
			cause:    CauseError,
			errMsg:   "invalid arguments: missing field",
			expected: CategoryInvalidTask,
		},
		{
			name:     "missing context",
			cause:    CauseError,
			errMsg:   "task is ambiguous: which file should be summarized",
			expected: CategoryMissingContext,
		},
		{
			name: "partial success after progress",
			setup: func(l *Log) {
				l.Record(ToolExecution{Name: "write_file", OK: true})
				l.Record(ToolExecution{Name: "bash", OK: false, Error: "exit 2"})
			},
			cause:    CauseError,
			errMsg:   "tool failed",
			expected: CategoryPartialSuccess,
		},
		{
			name:     "file error",
			cause:    CauseError,
			errMsg:   "open /x: no such file or directory",
			expected: CategoryToolError,
		},
		{
			name:     "unknown error",
			cause:    CauseError,
			errMsg:   "something broke",
			expected: CategoryToolError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New("s", "")
			if tt.setup != nil {
				tt.setup(l)
			}
			failure := Categorize(l, tt.cause, tt.errMsg, 300*time.Second)
			require.NotNil(t, failure)
			assert.Equal(t, tt.expected, failure.Category)
			assert.NotEmpty(t, failure.SuggestedActions)
			assert.LessOrEqual(t, len(failure.SuggestedActions), 4)
		})
	}
}

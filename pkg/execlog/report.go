package execlog

import (
	"fmt"
	"sort"
	"strings"
)

// maxReportPaths bounds how many paths a report lists per file group; the
// remainder is marked with an ellipsis.
const maxReportPaths = 20

// Failure describes why a child agent did not complete, with recovery
// guidance for the parent.
type Failure struct {
	Category         Category
	BlockedOn        string
	SuggestedActions []string
	Retryable        bool
}

// Report renders the log as the deterministic structured text returned to
// the delegating parent. finalText is the child's last assistant message;
// failure is nil on success.
func (l *Log) Report(finalText string, failure *Failure) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "session_id: %s\n", l.sessionID)
	if l.parentSessionID != "" {
		fmt.Fprintf(&sb, "parent_session_id: %s\n", l.parentSessionID)
	}
	fmt.Fprintf(&sb, "status: %s\n", l.Status())
	fmt.Fprintf(&sb, "duration: %.2fs\n", l.Duration().Seconds())

	if rate, ok := l.SuccessRate(); ok {
		fmt.Fprintf(&sb, "success_rate: %d%%\n", rate)
	} else {
		sb.WriteString("success_rate: N/A\n")
	}

	read, written, edited := l.Files()
	writeFileGroup(&sb, "files.read", read)
	writeFileGroup(&sb, "files.written", written)
	writeFileGroup(&sb, "files.edited", edited)

	usage := l.ToolUsage()
	if len(usage) == 0 {
		sb.WriteString("tools: none\n")
	} else {
		sb.WriteString("tools:\n")
		for _, tc := range usage {
			fmt.Fprintf(&sb, "  - %s: %dx\n", tc.Name, tc.Count)
		}
	}

	if failure != nil {
		fmt.Fprintf(&sb, "category: %s\n", failure.Category)
		fmt.Fprintf(&sb, "blocked_on: %s\n", firstLine(failure.BlockedOn))
		sb.WriteString("suggested_actions:\n")
		actions := failure.SuggestedActions
		if len(actions) > 4 {
			actions = actions[:4]
		}
		for _, action := range actions {
			fmt.Fprintf(&sb, "  - %s\n", action)
		}
	}

	sb.WriteString("---\n")
	sb.WriteString(finalText)
	return sb.String()
}

func writeFileGroup(sb *strings.Builder, key string, paths []string) {
	fmt.Fprintf(sb, "%s.count: %d\n", key, len(paths))
	if len(paths) == 0 {
		fmt.Fprintf(sb, "%s: none\n", key)
		return
	}
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	if len(sorted) > maxReportPaths {
		sorted = append(sorted[:maxReportPaths], "…")
	}
	fmt.Fprintf(sb, "%s: %s\n", key, strings.Join(sorted, ", "))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

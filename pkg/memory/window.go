// Package memory implements the token-bounded conversation window and the
// optional persistent message store behind it.
package memory

import (
	"log/slog"

	"github.com/forgecli/forge/pkg/config"
	"github.com/forgecli/forge/pkg/protocol"
)

// Window is a token-bounded, system-preserving sliding buffer of messages.
// It is owned by exactly one agent; the agent loop serializes access, so no
// internal locking is needed.
type Window struct {
	maxTokens      int
	preserveSystem bool
	counter        *TokenCounter

	system  *entry
	entries []entry

	store     Store
	sessionID string
}

type entry struct {
	msg    protocol.Message
	tokens int
}

// WindowOption configures a Window.
type WindowOption func(*Window)

// WithStore mirrors every committed message to a persistent store under the
// given session id. Store failures are logged, never surfaced.
func WithStore(store Store, sessionID string) WindowOption {
	return func(w *Window) {
		w.store = store
		w.sessionID = sessionID
	}
}

// NewWindow creates a window from memory configuration.
func NewWindow(cfg *config.MemoryConfig, opts ...WindowOption) *Window {
	w := &Window{
		maxTokens:      cfg.MaxTokens,
		preserveSystem: cfg.PreserveSystemEnabled(),
		counter:        NewTokenCounter(cfg.Encoding),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SetSystem sets or replaces the system message in place. When
// preserve_system is on it is never removed by trimming.
func (w *Window) SetSystem(content string) {
	msg := protocol.System(content)
	w.system = &entry{msg: msg, tokens: w.counter.CountMessage(msg)}
	w.mirror(msg)
	w.trim()
}

// Append adds a message and trims the window back under budget.
func (w *Window) Append(msg protocol.Message) {
	w.entries = append(w.entries, entry{msg: msg, tokens: w.counter.CountMessage(msg)})
	w.mirror(msg)
	w.trim()
}

// Snapshot returns a read-only copy of the window, system message first.
func (w *Window) Snapshot() []protocol.Message {
	out := make([]protocol.Message, 0, len(w.entries)+1)
	if w.system != nil {
		out = append(out, w.system.msg)
	}
	for _, e := range w.entries {
		out = append(out, e.msg)
	}
	return out
}

// Clear discards all non-system messages; with keepSystem false the system
// message goes too.
func (w *Window) Clear(keepSystem bool) {
	w.entries = nil
	if !keepSystem {
		w.system = nil
	}
}

// EstimatedTokens returns the current token estimate for the window.
func (w *Window) EstimatedTokens() int {
	total := 0
	if w.system != nil {
		total += w.system.tokens
	}
	for _, e := range w.entries {
		total += e.tokens
	}
	return total
}

// Len returns the number of messages in the window including the system
// message.
func (w *Window) Len() int {
	n := len(w.entries)
	if w.system != nil {
		n++
	}
	return n
}

// trim evicts oldest-first until the window fits the budget. An assistant
// message carrying tool calls is evicted together with every following tool
// message that answers one of its calls, as one atomic group, so snapshots
// stay provider-valid. The last remaining group is never evicted even when
// oversized.
func (w *Window) trim() {
	for w.EstimatedTokens() > w.maxTokens {
		if !w.preserveSystem && w.system != nil {
			w.system = nil
			continue
		}
		if len(w.entries) == 0 {
			return
		}
		group := w.groupSize(0)
		if group >= len(w.entries) {
			return
		}
		w.entries = w.entries[group:]
	}
}

// groupSize returns how many entries starting at i form one eviction group.
func (w *Window) groupSize(i int) int {
	first := w.entries[i].msg
	if !first.HasToolCalls() {
		return 1
	}

	ids := make(map[string]bool, len(first.ToolCalls))
	for _, call := range first.ToolCalls {
		ids[call.ID] = true
	}

	n := 1
	for i+n < len(w.entries) {
		next := w.entries[i+n].msg
		if next.Role != protocol.RoleTool || !ids[next.ToolCallID] {
			break
		}
		n++
	}
	return n
}

func (w *Window) mirror(msg protocol.Message) {
	if w.store == nil {
		return
	}
	if err := w.store.RecordMessage(w.sessionID, msg); err != nil {
		slog.Warn("Failed to persist message", "session_id", w.sessionID, "error", err)
	}
}

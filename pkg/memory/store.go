package memory

import (
	"time"

	"github.com/forgecli/forge/pkg/protocol"
)

// Store is an optional append-only persistence surface. The runtime
// tolerates its absence; when present every message committed to a Window
// is mirrored here.
type Store interface {
	// SaveSession upserts a session row with its hierarchy edge.
	SaveSession(id, parentID, mode string) error
	// RecordMessage appends a message under a session.
	RecordMessage(sessionID string, msg protocol.Message) error
	// Load returns a session's messages in commit order.
	Load(sessionID string) ([]protocol.Message, error)
	// ListSessions returns recent sessions, most recently updated first.
	ListSessions(limit int) ([]SessionInfo, error)
	Close() error
}

// SessionInfo is a session directory entry.
type SessionInfo struct {
	ID        string
	ParentID  string
	Summary   string
	UpdatedAt time.Time
}

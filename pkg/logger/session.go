package logger

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// SessionLogs manages per-session log files. Each parent session owns one
// file; child sessions share their parent's file so a delegation reads as a
// single transcript. Files are torn down on process exit via Close.
type SessionLogs struct {
	dir     string
	level   slog.Level
	mu      sync.Mutex
	files   map[string]*os.File // keyed by the owning (parent) session id
	loggers map[string]*slog.Logger
}

func NewSessionLogs(dir string, level slog.Level) (*SessionLogs, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &SessionLogs{
		dir:     dir,
		level:   level,
		files:   make(map[string]*os.File),
		loggers: make(map[string]*slog.Logger),
	}, nil
}

// For returns a logger for the given session. Child sessions (non-empty
// parentID) write into the parent's file and carry both ids as attributes.
func (s *SessionLogs) For(sessionID, parentID string) (*slog.Logger, error) {
	owner := sessionID
	if parentID != "" {
		owner = parentID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base, ok := s.loggers[owner]
	if !ok {
		path := filepath.Join(s.dir, owner+".log")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open session log: %w", err)
		}
		s.files[owner] = file
		base = slog.New(slog.NewTextHandler(file, &slog.HandlerOptions{Level: s.level}))
		s.loggers[owner] = base
	}

	logger := base.With("session_id", sessionID)
	if parentID != "" {
		logger = logger.With("parent_session_id", parentID)
	}
	return logger, nil
}

// Close closes every open session log file.
func (s *SessionLogs) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for id, file := range s.files {
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, id)
		delete(s.loggers, id)
	}
	return firstErr
}

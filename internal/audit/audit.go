// Package audit keeps the immutable record of every bundle served. One
// canonical-JSON line per bundle, appended and never rewritten; the serving
// path writes here and nothing in the process reads it back.
package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"statetape/internal/bundle"
	"statetape/internal/identity"
	"statetape/internal/logging"
)

// Logger appends served bundles to a JSONL file.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	path string
	log  *zap.Logger
}

// Open opens (or creates) the audit log for appending.
func Open(path string, log *zap.Logger) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &Logger{file: f, path: path, log: logging.OrNop(log).Named("audit")}, nil
}

// Append writes one bundle as a canonical-JSON line. Serialized under a
// mutex so concurrent retrievals never interleave lines. An audit failure
// is surfaced, not swallowed: a bundle that cannot be recorded must not be
// served.
func (l *Logger) Append(ctx context.Context, b *bundle.QueryEvidenceBundle) error {
	if b == nil {
		return fmt.Errorf("audit: nil bundle")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := identity.CanonicalJSON(b)
	if err != nil {
		return fmt.Errorf("failed to encode bundle for audit: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append audit line: %w", err)
	}

	l.log.Debug("bundle audited",
		zap.String("query_id", b.QueryID),
		zap.Int("hits", len(b.Hits)))
	return nil
}

// Path returns the log file location.
func (l *Logger) Path() string { return l.path }

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

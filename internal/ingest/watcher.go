// Package ingest moves extract batches from the spool into the tape. A
// debounced filesystem watcher picks up batch documents as the extraction
// collaborator drops them, hands them to the builder's runner, and files
// the processed documents into the archive, which then doubles as the
// snippet source for evidence references.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"statetape/internal/builder"
	"statetape/internal/config"
	"statetape/internal/logging"
)

const debounceDur = 500 * time.Millisecond

// rejectedDir collects malformed documents under the archive so they stay
// inspectable without ever re-entering the spool.
const rejectedDir = "_rejected"

// Permit computes the heavy-work signal for one batch. The scheduling
// collaborator owns the inputs: the config toggle plus an optional signal
// file whose presence vetoes work (an activity monitor drops it during
// interactive use). Evaluated per batch, never cached, never read from
// ambient state by anything downstream.
func Permit(cfg config.SchedulerConfig) bool {
	if !cfg.AllowHeavyWork {
		return false
	}
	if cfg.SignalFile != "" {
		if _, err := os.Stat(cfg.SignalFile); err == nil {
			return false
		}
	}
	return true
}

// Watcher tails the spool directory for *.json extract batches. Events
// debounce for 500ms per path so half-written files settle before decode.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	runner      *builder.Runner
	spoolDir    string
	archiveDir  string
	scheduler   config.SchedulerConfig
	debounceMap map[string]time.Time
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	log         *zap.Logger
}

// NewWatcher builds a watcher over the configured spool directory.
func NewWatcher(cfg *config.Config, runner *builder.Runner, log *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		watcher:     fsw,
		runner:      runner,
		spoolDir:    cfg.SpoolDir(),
		archiveDir:  cfg.ArchiveDir(),
		scheduler:   cfg.Scheduler,
		debounceMap: make(map[string]time.Time),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		log:         logging.OrNop(log).Named("ingest"),
	}, nil
}

// Start creates the spool directory, drains anything already waiting in
// it, and begins watching. Non-blocking; the loop runs in a goroutine
// until Close or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.spoolDir, 0755); err != nil {
		return fmt.Errorf("failed to create spool dir: %w", err)
	}
	if err := w.watcher.Add(w.spoolDir); err != nil {
		return fmt.Errorf("failed to watch spool dir: %w", err)
	}

	if err := w.Drain(ctx); err != nil {
		w.log.Warn("initial spool drain incomplete", zap.Error(err))
	}

	go w.run(ctx)
	return nil
}

// Close stops the loop and releases the filesystem watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	return w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("watch error", zap.Error(err))
		case <-ticker.C:
			w.processSettled(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".json") {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	w.mu.Lock()
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) processSettled(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for path, at := range w.debounceMap {
		if now.Sub(at) >= debounceDur {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range settled {
		w.ingestFile(ctx, path)
	}
}

// Drain processes every batch currently spooled, oldest name first. Used
// at startup and by `tape build --spool`.
func (w *Watcher) Drain(ctx context.Context) error {
	entries, err := os.ReadDir(w.spoolDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read spool dir: %w", err)
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		w.ingestFile(ctx, filepath.Join(w.spoolDir, e.Name()))
	}
	return nil
}

// ingestFile runs one spooled document through the builder. A denied
// permit leaves the file spooled for a later pass; malformed documents go
// to the rejected archive; build failures leave the file in place because
// replay is idempotent and retrying is always safe.
func (w *Watcher) ingestFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		w.log.Error("failed to read spooled batch", zap.String("path", path), zap.Error(err))
		return
	}

	batch, err := builder.DecodeBatch(data)
	if err != nil {
		w.log.Warn("rejecting malformed batch", zap.String("path", path), zap.Error(err))
		w.archive(path, rejectedDir)
		return
	}

	res, err := w.runner.Run(ctx, batch, Permit(w.scheduler))
	if err != nil {
		if errors.Is(err, builder.ErrNotPermitted) {
			w.log.Debug("heavy work not permitted, batch stays spooled", zap.String("path", path))
			return
		}
		w.log.Error("batch build failed, batch stays spooled",
			zap.String("path", path), zap.Error(err))
		return
	}

	w.log.Info("batch ingested",
		zap.String("path", filepath.Base(path)),
		zap.String("session_id", batch.SessionID),
		zap.Int("spans_appended", res.SpansAppended),
		zap.Int("spans_skipped", res.SpansSkipped))
	w.archive(path, batch.SessionID)
}

func (w *Watcher) archive(path, subdir string) {
	dir := filepath.Join(w.archiveDir, subdir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		w.log.Error("failed to create archive dir", zap.String("dir", dir), zap.Error(err))
		return
	}
	dst := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		w.log.Error("failed to archive batch", zap.String("path", path), zap.Error(err))
	}
}

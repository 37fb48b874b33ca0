package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"statetape/internal/builder"
	"statetape/internal/evidence"
	"statetape/internal/logging"
)

// ArchiveSnippetSource resolves evidence text spans against the archived
// extract batches. References resolve to extraction output only; raw
// capture bytes live in an external store this layer never opens. Misses
// are normal (rotated archives, refs without text spans) and report
// ok=false rather than errors.
type ArchiveSnippetSource struct {
	dir string
	log *zap.Logger

	mu    sync.Mutex
	cache map[string]string // media_id -> extracted text
}

func NewArchiveSnippetSource(dir string, log *zap.Logger) *ArchiveSnippetSource {
	return &ArchiveSnippetSource{
		dir:   dir,
		log:   logging.OrNop(log).Named("snippets"),
		cache: make(map[string]string),
	}
}

// Resolve returns the text a ref's text_span points at, bounds-checked
// against the archived artifact text.
func (s *ArchiveSnippetSource) Resolve(ctx context.Context, ref evidence.EvidenceRef) (string, bool) {
	if ref.TextSpan == nil || ref.MediaID == "" {
		return "", false
	}

	text, ok := s.lookup(ctx, ref.MediaID)
	if !ok {
		return "", false
	}

	start, end := ref.TextSpan.Start, ref.TextSpan.End
	if start < 0 || end < start || end > len(text) {
		s.log.Debug("text span out of bounds",
			zap.String("media_id", ref.MediaID),
			zap.Int("start", start), zap.Int("end", end), zap.Int("len", len(text)))
		return "", false
	}
	snippet := strings.TrimSpace(text[start:end])
	return snippet, snippet != ""
}

func (s *ArchiveSnippetSource) lookup(ctx context.Context, mediaID string) (string, bool) {
	s.mu.Lock()
	if text, ok := s.cache[mediaID]; ok {
		s.mu.Unlock()
		return text, text != ""
	}
	s.mu.Unlock()

	text, found := s.scanArchive(ctx, mediaID)

	s.mu.Lock()
	s.cache[mediaID] = text
	s.mu.Unlock()
	return text, found
}

// scanArchive walks the archived batch documents looking for the media ID.
// The archive is small and local; the per-media cache keeps repeated hits
// within one process cheap.
func (s *ArchiveSnippetSource) scanArchive(ctx context.Context, mediaID string) (string, bool) {
	var text string
	found := false

	_ = filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || found {
			return filepath.SkipAll
		}
		if ctx.Err() != nil {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if d.Name() == rejectedDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		batch, err := builder.DecodeBatch(data)
		if err != nil {
			return nil
		}
		for i := range batch.States {
			if batch.States[i].MediaID == mediaID {
				text = batch.States[i].Text
				found = true
				return filepath.SkipAll
			}
		}
		return nil
	})

	return text, found
}

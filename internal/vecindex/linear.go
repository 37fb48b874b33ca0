package vecindex

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"statetape/internal/evidence"
	"statetape/internal/logging"
	"statetape/internal/tape"
)

// Linear is the default exact index: every entry lives in memory and every
// query scans all of them. Writes come from the builder's runner after the
// store commit, so the mirror never holds a span the tape does not.
type Linear struct {
	mu      sync.RWMutex
	entries []entry
	seen    map[string]struct{}
	log     *zap.Logger
}

// NewLinear hydrates the mirror from the store. The read is bounded by one
// snapshot, so a span and its evidence links are either both in or both out.
func NewLinear(ctx context.Context, store *tape.Store, log *zap.Logger) (*Linear, error) {
	l := &Linear{
		seen: make(map[string]struct{}),
		log:  logging.OrNop(log),
	}

	spans, err := store.SpansAll(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to hydrate vector index: %w", err)
	}
	if _, err := l.Index(spans); err != nil {
		return nil, err
	}

	l.log.Info("vector index hydrated",
		zap.String("kind", "linear"),
		zap.Int("entries", len(l.entries)))
	return l, nil
}

// Index adds spans to the mirror. Already-indexed state IDs are skipped, so
// replayed batches do not inflate the scan. Returns the number added.
func (l *Linear) Index(spans []*evidence.StateSpan) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	added := 0
	for _, span := range spans {
		if span == nil {
			continue
		}
		if _, ok := l.seen[span.StateID]; ok {
			continue
		}
		e, err := entryFor(span)
		if err != nil {
			return added, err
		}
		l.entries = append(l.entries, e)
		l.seen[span.StateID] = struct{}{}
		added++
	}
	return added, nil
}

// Query scores every entry carrying the query's model_version against emb
// and returns the top k. Entries built by a different model version are
// filtered out, never scored.
func (l *Linear) Query(ctx context.Context, emb []float32, modelVersion string, f Filters, k int) ([]Hit, error) {
	if err := validateQuery(emb, k); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	return scan(emb, modelVersion, f, k, l.entries), nil
}

// Len reports the number of indexed entries.
func (l *Linear) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

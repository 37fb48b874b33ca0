package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"statetape/internal/answer"
	"statetape/internal/audit"
	"statetape/internal/builder"
	"statetape/internal/bundle"
	"statetape/internal/ingest"
	"statetape/internal/retrieval"
	"statetape/internal/tape"
	"statetape/internal/vecindex"
	"statetape/internal/verify"
)

// pipeline is the shared wiring every subcommand builds on: the store, the
// configured vector index, and the retrieval orchestrator around them.
type pipeline struct {
	store *tape.Store
	index vecindex.Index
	orch  *retrieval.Orchestrator
}

func openPipeline(ctx context.Context) (*pipeline, error) {
	store, err := tape.NewStore(cfg.DatabasePath(), logger.Named("tape"))
	if err != nil {
		return nil, err
	}

	index, err := vecindex.Open(ctx, cfg, store, logger.Named("vecindex"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	src := ingest.NewArchiveSnippetSource(cfg.ArchiveDir(), logger)
	orch, err := retrieval.NewOrchestrator(cfg, store, index, src, logger.Named("retrieval"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &pipeline{store: store, index: index, orch: orch}, nil
}

func (p *pipeline) close() {
	if c, ok := p.index.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	_ = p.store.Close()
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

var buildSpool bool

var buildCmd = &cobra.Command{
	Use:   "build [batch.json ...]",
	Short: "Build spans and edges from extract batch files",
	Long: `Runs the state builder over extract batch documents and appends the
derived spans and edges to the tape. With --spool, drains the spool
directory instead of taking file arguments. Replays are idempotent:
rebuilding an unchanged batch appends nothing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !buildSpool && len(args) == 0 {
			return fmt.Errorf("provide batch files or --spool")
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		p, err := openPipeline(ctx)
		if err != nil {
			return err
		}
		defer p.close()

		b, err := builder.New(cfg.Builder)
		if err != nil {
			return err
		}
		runner := builder.NewRunner(p.store, b, p.index, logger.Named("builder"))

		if buildSpool {
			w, err := ingest.NewWatcher(cfg, runner, logger)
			if err != nil {
				return err
			}
			defer func() { _ = w.Close() }()
			return w.Drain(ctx)
		}

		permit := ingest.Permit(cfg.Scheduler)
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			batch, err := builder.DecodeBatch(data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			res, err := runner.Run(ctx, batch, permit)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Printf("%s: %d spans appended, %d skipped, %d edges\n",
				filepath.Base(path), res.SpansAppended, res.SpansSkipped, res.EdgesAppended)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Watch the spool and build batches as they arrive",
	Long: `Runs the ingest watcher until interrupted. Batches dropped into the
spool directory are debounced, built, and archived. With index.kind set to
"snapshot", a periodic job rebuilds the vector index snapshot and swaps it
atomically; queries always bind to one snapshot.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		p, err := openPipeline(ctx)
		if err != nil {
			return err
		}
		defer p.close()

		b, err := builder.New(cfg.Builder)
		if err != nil {
			return err
		}
		runner := builder.NewRunner(p.store, b, p.index, logger.Named("builder"))

		w, err := ingest.NewWatcher(cfg, runner, logger)
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			<-gctx.Done()
			return w.Close()
		})
		if snap, ok := p.index.(*vecindex.SnapshotIndex); ok {
			g.Go(func() error {
				return snap.RebuildLoop(gctx, cfg.RebuildInterval())
			})
		}

		logger.Info("serving",
			zap.String("spool", cfg.SpoolDir()),
			zap.String("db", cfg.DatabasePath()),
			zap.String("index", cfg.Index.Kind))
		return g.Wait()
	},
}

var (
	queryApp   string
	queryStart int64
	queryEnd   int64
)

func requestFromFlags(args []string) retrieval.Request {
	req := retrieval.Request{Filters: retrieval.Filters{App: queryApp}}
	if len(args) > 0 {
		req.UserQuestion = args[0]
	}
	if queryStart != 0 || queryEnd != 0 {
		req.Filters.TimeRange = &[2]int64{queryStart, queryEnd}
	}
	return req
}

// retrieveAndAudit runs one retrieval and appends the served bundle to the
// immutable audit log before anything else sees it.
func retrieveAndAudit(ctx context.Context, p *pipeline, req retrieval.Request) (*bundle.QueryEvidenceBundle, error) {
	b, err := p.orch.Retrieve(ctx, req)
	if err != nil {
		return nil, err
	}

	log, err := audit.Open(cfg.AuditPath(), logger)
	if err != nil {
		return nil, err
	}
	defer func() { _ = log.Close() }()
	if err := log.Append(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Retrieve an evidence bundle for a question",
	Long: `Runs the retrieval pipeline and prints the compiled evidence bundle as
JSON. The bundle carries references into upstream artifacts, never artifact
bytes. Filters: app:"name" tokens in the question, or the --app/--start/--end
flags (explicit flags win).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		p, err := openPipeline(ctx)
		if err != nil {
			return err
		}
		defer p.close()

		b, err := retrieveAndAudit(ctx, p, requestFromFlags(args))
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(b, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var answerCmd = &cobra.Command{
	Use:   "answer [question]",
	Short: "Answer a question from retrieved evidence only",
	Long: `Retrieves an evidence bundle and answers from its contents. Every
factual sentence carries an inline [media_id@ts] citation; an empty bundle
answers with the literal "no evidence". When policy denies text export the
answer is built from span summaries and says so.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		p, err := openPipeline(ctx)
		if err != nil {
			return err
		}
		defer p.close()

		b, err := retrieveAndAudit(ctx, p, requestFromFlags(args))
		if err != nil {
			return err
		}

		engine, err := answer.NewEngine(cfg.Answer)
		if err != nil {
			return err
		}
		text, err := answer.NewOrchestrator(engine, logger.Named("answer")).Answer(ctx, args[0], b)
		if err != nil {
			return err
		}
		fmt.Println(text)
		return nil
	},
}

var (
	verifyManifest string
	verifyRecord   bool
	verifyInit     bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Replay the identity manifest and fail on any drift",
	Long: `Recomputes every cache key and derived ID in the manifest and compares
against the frozen values. Any mismatch is a determinism violation and the
command exits non-zero. --record refreezes the manifest from the current
computation; --init writes the shipped baseline manifest.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := verifyManifest
		if path == "" {
			path = filepath.Join(cfg.DataDir, "verify.yaml")
		}

		if verifyInit {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("refusing to overwrite existing manifest %s", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return err
			}
			if err := os.WriteFile(path, verify.BaselineManifest(), 0644); err != nil {
				return err
			}
			fmt.Printf("baseline manifest written to %s\n", path)
			return nil
		}

		m, err := verify.Load(path)
		if err != nil {
			return err
		}

		if verifyRecord {
			verify.Record(m)
			if err := verify.Save(path, m); err != nil {
				return err
			}
			fmt.Printf("recorded %d vectors to %s\n", len(m.Vectors), path)
			return nil
		}

		results, err := verify.Run(cmd.Context(), m)
		if err != nil {
			return err
		}
		for _, r := range results {
			if r.Success {
				fmt.Printf("ok   %s\n", r.VectorID)
				continue
			}
			fmt.Printf("FAIL %s %s\n  want %s\n  got  %s\n", r.VectorID, r.Field, r.Want, r.Got)
			return fmt.Errorf("determinism violation in vector %s", r.VectorID)
		}
		fmt.Printf("%d vectors verified\n", len(results))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tape store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		store, err := tape.NewStore(cfg.DatabasePath(), logger.Named("tape"))
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		stats, err := store.Stats(ctx)
		if err != nil {
			return err
		}

		keys := make([]string, 0, len(stats))
		for k := range stats {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Printf("db: %s\n", store.Path())
		for _, k := range keys {
			fmt.Printf("%-20s %d\n", k, stats[k])
		}
		return nil
	},
}

func init() {
	buildCmd.Flags().BoolVar(&buildSpool, "spool", false, "drain the spool directory")

	for _, c := range []*cobra.Command{queryCmd, answerCmd} {
		c.Flags().StringVar(&queryApp, "app", "", "filter spans by exact app name")
		c.Flags().Int64Var(&queryStart, "start", 0, "time filter start (ms)")
		c.Flags().Int64Var(&queryEnd, "end", 0, "time filter end (ms)")
	}

	verifyCmd.Flags().StringVar(&verifyManifest, "manifest", "", "manifest path (default <data_dir>/verify.yaml)")
	verifyCmd.Flags().BoolVar(&verifyRecord, "record", false, "freeze current computations into the manifest")
	verifyCmd.Flags().BoolVar(&verifyInit, "init", false, "write the shipped baseline manifest")
}

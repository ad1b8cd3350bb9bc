// Package worker drives artifacts through the processing stages of the
// pipeline in the background.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/yangwenmai/draftsync/internal/engine"
	"github.com/yangwenmai/draftsync/internal/model"
	"github.com/yangwenmai/draftsync/internal/pipeline"
	"github.com/yangwenmai/draftsync/internal/retry"
	"github.com/yangwenmai/draftsync/internal/store"
)

// Processor runs the step for an artifact's current stage.
type Processor interface {
	Run(ctx context.Context, sc *engine.StepContext) error
}

// Store provides atomic claims plus the reads and writes a run needs.
type Store interface {
	ClaimNextProcessing(ctx context.Context) (*model.Artifact, error)
	ReleaseClaim(ctx context.Context, id string) error
	ListResearch(ctx context.Context, artifactID string) ([]model.ResearchItem, error)
	UpdateArtifact(ctx context.Context, id string, fn func(a *model.Artifact) error) (store.Change, error)
}

// Options configures a Worker. Zero values pick the defaults.
type Options struct {
	// Interval is the idle poll period.
	Interval time.Duration
	// RetryBackoff is the delay before a failed artifact is retried; it
	// doubles with each consecutive failure.
	RetryBackoff time.Duration
	// MaxFailures is the number of consecutive failures after which the
	// artifact stays claimed until the next restart.
	MaxFailures int
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Worker polls for artifacts in a processing stage, runs the stage's step
// and advances the artifact to the next stage.
type Worker struct {
	store     Store
	processor Processor
	interval  time.Duration
	backoff   time.Duration
	budget    retry.Budget
	clock     clock.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	failures map[string]int
}

// New creates a new Worker.
func New(s Store, processor Processor, opts Options) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 10 * time.Second
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 3
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		store:     s,
		processor: processor,
		interval:  opts.Interval,
		backoff:   opts.RetryBackoff,
		budget:    retry.NewBudget(opts.MaxFailures),
		clock:     opts.Clock,
		logger:    opts.Logger,
		failures:  make(map[string]int),
	}
}

// Start begins the polling loop. It blocks until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("worker started", "interval", w.interval.String())
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return
		default:
		}

		a, err := w.store.ClaimNextProcessing(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("worker claim error", "error", err)
			}
			w.sleep(ctx)
			continue
		}
		if a == nil {
			w.sleep(ctx)
			continue
		}
		w.process(ctx, a)
	}
}

// process runs one claimed artifact. The claim is released on success and
// after a backoff on failure.
func (w *Worker) process(ctx context.Context, a *model.Artifact) {
	logger := w.logger.With("artifact_id", a.ID, "status", a.Status)
	logger.Info("processing artifact")

	research, err := w.store.ListResearch(ctx, a.ID)
	if err != nil {
		w.fail(ctx, logger, a.ID, err)
		return
	}
	sc := &engine.StepContext{Artifact: a, Research: research}
	if err := w.processor.Run(ctx, sc); err != nil {
		if errors.Is(err, model.ErrConflict) {
			// The artifact left the stage mid-run; nothing to retry.
			logger.Info("stage changed during run", "error", err)
			w.release(ctx, logger, a.ID)
			return
		}
		w.fail(ctx, logger, a.ID, err)
		return
	}
	w.clearFailures(a.ID)

	if !sc.Hold {
		if err := w.advance(ctx, a); err != nil {
			logger.Error("advance failed", "error", err)
		}
	}
	w.release(ctx, logger, a.ID)
}

// advance moves the artifact to the next stage if it is still where the
// step found it.
func (w *Worker) advance(ctx context.Context, a *model.Artifact) error {
	next, ok := pipeline.Next(a.Status)
	if !ok {
		return nil
	}
	ch, err := w.store.UpdateArtifact(ctx, a.ID, func(cur *model.Artifact) error {
		if cur.Status != a.Status {
			return model.Errorf(model.KindConflict, "advance", "artifact moved to %s", cur.Status)
		}
		cur.Status = next
		return nil
	})
	if errors.Is(err, model.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	w.logger.Info("artifact advanced", "artifact_id", a.ID, "from", a.Status, "to", ch.New.Status)
	return nil
}

func (w *Worker) fail(ctx context.Context, logger *slog.Logger, id string, err error) {
	step := "unknown"
	var sn stepNamer
	if errors.As(err, &sn) {
		step = sn.StepName()
	}

	w.mu.Lock()
	w.failures[id]++
	n := w.failures[id]
	w.mu.Unlock()

	if !w.budget.CanConsume(n) {
		logger.Error("giving up on artifact until restart", "failed_step", step, "failures", n, "error", err)
		return
	}
	delay := w.backoff << (n - 1)
	logger.Warn("step failed, will retry", "failed_step", step, "failures", n, "retry_in", delay.String(), "error", err)
	w.clock.AfterFunc(delay, func() {
		w.release(context.WithoutCancel(ctx), logger, id)
	})
}

func (w *Worker) release(ctx context.Context, logger *slog.Logger, id string) {
	if err := w.store.ReleaseClaim(ctx, id); err != nil {
		logger.Error("release claim failed", "error", err)
	}
}

func (w *Worker) clearFailures(id string) {
	w.mu.Lock()
	delete(w.failures, id)
	w.mu.Unlock()
}

// Failures returns the consecutive failure count of an artifact.
func (w *Worker) Failures(id string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failures[id]
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-w.clock.After(w.interval):
	}
}

// stepNamer is implemented by errors that carry a pipeline step name.
type stepNamer interface {
	StepName() string
}

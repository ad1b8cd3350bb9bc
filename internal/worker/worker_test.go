package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangwenmai/draftsync/internal/engine"
	"github.com/yangwenmai/draftsync/internal/model"
	"github.com/yangwenmai/draftsync/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := store.New(db)
	require.NoError(t, err)
	return s
}

func seed(t *testing.T, s *store.Store, id string, status model.Status) {
	t.Helper()
	a := model.NewArtifact(id, model.TypeBlog, model.ToneCasual, nil)
	a.Status = status
	_, err := s.CreateArtifact(context.Background(), a)
	require.NoError(t, err)
}

func stubPipeline(s *store.Store) *engine.Pipeline {
	stub := &engine.StubModelClient{}
	return engine.NewPipeline(
		&engine.ResearchStep{Extractor: &engine.StubExtractor{}, Research: s},
		&engine.FoundationsStep{Model: stub, Artifacts: s},
		&engine.WritingStep{Model: stub, Artifacts: s},
		&engine.HumanityStep{Model: stub, Artifacts: s},
		&engine.VisualNeedsStep{Model: stub, Artifacts: s},
	)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func status(t *testing.T, s *store.Store, id string) model.Status {
	t.Helper()
	a, err := s.GetArtifact(context.Background(), id)
	require.NoError(t, err)
	return a.Status
}

func claimOne(t *testing.T, s *store.Store) *model.Artifact {
	t.Helper()
	a, err := s.ClaimNextProcessing(context.Background())
	require.NoError(t, err)
	require.NotNil(t, a, "nothing to claim")
	return a
}

func TestProcess_AdvancesAndReleases(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "a-1", model.StatusResearch)
	w := New(s, stubPipeline(s), Options{Logger: quietLogger()})
	ctx := context.Background()

	w.process(ctx, claimOne(t, s))
	assert.Equal(t, model.StatusFoundations, status(t, s, "a-1"))

	// released, so the next stage is claimable
	w.process(ctx, claimOne(t, s))
	assert.Equal(t, model.StatusFoundationsApproval, status(t, s, "a-1"))

	// the gate is not a processing stage
	a, err := s.ClaimNextProcessing(ctx)
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestProcess_VisualsHold(t *testing.T) {
	s := newTestStore(t)
	a := model.NewArtifact("a-1", model.TypeBlog, model.ToneCasual, nil)
	a.Status = model.StatusCreatingVisuals
	a.Content = model.StringPtr("# Post\n\nBody.")
	_, err := s.CreateArtifact(context.Background(), a)
	require.NoError(t, err)
	w := New(s, stubPipeline(s), Options{Logger: quietLogger()})

	w.process(context.Background(), claimOne(t, s))

	got, err := s.GetArtifact(context.Background(), "a-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCreatingVisuals, got.Status)
	assert.Len(t, got.Visuals.Needs, 2)
}

// failingProcessor fails every run.
type failingProcessor struct{ calls int }

func (p *failingProcessor) Run(context.Context, *engine.StepContext) error {
	p.calls++
	return &engine.StepError{Step: "writing", Err: errors.New("model down")}
}

func TestProcess_FailureBackoff(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "a-1", model.StatusWriting)
	mock := clock.NewMock()
	w := New(s, &failingProcessor{}, Options{
		RetryBackoff: time.Second,
		MaxFailures:  3,
		Clock:        mock,
		Logger:       quietLogger(),
	})
	ctx := context.Background()

	w.process(ctx, claimOne(t, s))
	assert.Equal(t, 1, w.Failures("a-1"))
	assert.Equal(t, model.StatusWriting, status(t, s, "a-1"))

	// still claimed during the backoff
	a, err := s.ClaimNextProcessing(ctx)
	require.NoError(t, err)
	require.Nil(t, a)

	mock.Add(time.Second)
	var again *model.Artifact
	require.Eventually(t, func() bool {
		again, _ = s.ClaimNextProcessing(ctx)
		return again != nil
	}, time.Second, 5*time.Millisecond)

	// second failure doubles the delay
	w.process(ctx, again)
	assert.Equal(t, 2, w.Failures("a-1"))
	mock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	a, _ = s.ClaimNextProcessing(ctx)
	require.Nil(t, a, "released before the doubled backoff")
	mock.Add(time.Second)
	require.Eventually(t, func() bool {
		again, _ = s.ClaimNextProcessing(ctx)
		return again != nil
	}, time.Second, 5*time.Millisecond)

	// third failure exhausts the budget: the claim is kept
	w.process(ctx, again)
	assert.Equal(t, 3, w.Failures("a-1"))
	mock.Add(time.Hour)
	time.Sleep(20 * time.Millisecond)
	a, _ = s.ClaimNextProcessing(ctx)
	assert.Nil(t, a)
}

// movingProcessor simulates the user moving the artifact mid-run.
type movingProcessor struct{ s *store.Store }

func (p *movingProcessor) Run(ctx context.Context, sc *engine.StepContext) error {
	return model.Errorf(model.KindConflict, "write", "artifact moved")
}

func TestProcess_ConflictIsNotAFailure(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "a-1", model.StatusWriting)
	w := New(s, &movingProcessor{s: s}, Options{Logger: quietLogger()})

	w.process(context.Background(), claimOne(t, s))
	assert.Equal(t, 0, w.Failures("a-1"))
	a, err := s.ClaimNextProcessing(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, a, "claim should be released")
}

func TestStart_RunsToApprovalGate(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "a-1", model.StatusResearch)
	w := New(s, stubPipeline(s), Options{Interval: 5 * time.Millisecond, Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return status(t, s, "a-1") == model.StatusFoundationsApproval
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

package pipesync

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangwenmai/draftsync/internal/approval"
	"github.com/yangwenmai/draftsync/internal/autosave"
	"github.com/yangwenmai/draftsync/internal/model"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeBackend is an in-memory artifact API that counts calls.
type fakeBackend struct {
	mu       sync.Mutex
	art      *model.Artifact
	research []model.ResearchItem
	calls    map[string]int
	patches  []model.ArtifactPatch

	approveEntered chan struct{}
	approveRelease chan struct{}
	getErr         error

	failStatusPatches int // status patches to refuse before accepting
}

func newFakeBackend(status model.Status) *fakeBackend {
	a := model.NewArtifact("a-1", model.TypeBlog, model.ToneProfessional, nil)
	a.Status = status
	a.UpdatedAt = t0
	return &fakeBackend{art: &a, calls: make(map[string]int)}
}

func (f *fakeBackend) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeBackend) statusPatches() []model.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Status
	for _, p := range f.patches {
		if p.Status != nil {
			out = append(out, *p.Status)
		}
	}
	return out
}

func (f *fakeBackend) contentPatches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.patches {
		if p.Content != nil {
			out = append(out, *p.Content)
		}
	}
	return out
}

func (f *fakeBackend) mutate(fn func(a *model.Artifact)) *model.Artifact {
	fn(f.art)
	f.art.UpdatedAt = f.art.UpdatedAt.Add(time.Second)
	return f.art.Clone()
}

func (f *fakeBackend) GetArtifact(_ context.Context, id string) (*model.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["get"]++
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.art.Clone(), nil
}

func (f *fakeBackend) PatchArtifact(_ context.Context, id string, p model.ArtifactPatch) (*model.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["patch"]++
	f.patches = append(f.patches, p)
	if p.Status != nil && f.failStatusPatches > 0 {
		f.failStatusPatches--
		return nil, model.Errorf(model.KindNetworkFailure, "patch artifact", "connection reset")
	}
	return f.mutate(func(a *model.Artifact) {
		if p.Status != nil {
			a.Status = *p.Status
		}
		if p.Content != nil {
			a.Content = model.StringPtr(*p.Content)
		}
		if p.Tone != nil {
			a.Tone = *p.Tone
		}
		if p.Tags != nil {
			a.Tags = *p.Tags
		}
	}), nil
}

func (f *fakeBackend) ApproveFoundations(_ context.Context, id string, skeleton *string) (model.ApproveFoundationsResponse, error) {
	f.mu.Lock()
	f.calls["approve-foundations"]++
	entered, release := f.approveEntered, f.approveRelease
	f.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if release != nil {
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutate(func(a *model.Artifact) {
		a.Status = model.StatusWriting
		if skeleton != nil {
			a.Skeleton = model.StringPtr(*skeleton)
		}
	})
	return model.ApproveFoundationsResponse{Success: true, NewStatus: model.StatusWriting}, nil
}

func (f *fakeBackend) ListResearch(context.Context, string) ([]model.ResearchItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["list-research"]++
	return append([]model.ResearchItem(nil), f.research...), nil
}

func (f *fakeBackend) AddResearch(_ context.Context, id string, in model.ResearchInput) (*model.ResearchItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["add-research"]++
	item := model.NewResearchItem("r-new", id, in.SourceURL, in.Title)
	f.research = append(f.research, item)
	return &item, nil
}

func (f *fakeBackend) DeleteResearch(_ context.Context, id, rid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["delete-research"]++
	return nil
}

func (f *fakeBackend) ApproveImages(_ context.Context, id string, decisions []model.ImageDecision) (*model.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["approve-images"]++
	return f.mutate(func(a *model.Artifact) {
		for _, d := range decisions {
			for i := range a.Visuals.Needs {
				if a.Visuals.Needs[i].ID == d.ID {
					a.Visuals.Needs[i].Approved = d.Approved
				}
			}
		}
	}), nil
}

func (f *fakeBackend) GenerateImages(_ context.Context, id string) (*model.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["generate-images"]++
	return f.mutate(func(a *model.Artifact) {
		for _, n := range a.Visuals.PendingGeneration() {
			a.Visuals.Images = append(a.Visuals.Images, model.FinalImage{
				ID: "img-" + n.ID, ImageNeedID: n.ID, GenerationAttempts: 1, CreatedAt: t0,
			})
		}
	}), nil
}

func (f *fakeBackend) RegenerateImage(_ context.Context, id, imageID, description string) (model.RegenerateImageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["regenerate"]++
	var needID string
	for _, img := range f.art.Visuals.Images {
		if img.ID == imageID {
			needID = img.ImageNeedID
		}
	}
	img := model.FinalImage{
		ID:                 imageID + "+",
		ImageNeedID:        needID,
		GenerationAttempts: f.art.Visuals.Attempts(needID) + 1,
		CreatedAt:          t0.Add(time.Hour),
	}
	art := f.mutate(func(a *model.Artifact) {
		a.Visuals.Images = append(a.Visuals.Images, img)
	})
	return model.RegenerateImageResponse{Image: img, Artifact: art}, nil
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) listen(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) last() (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.states) == 0 {
		return State{}, false
	}
	return l.states[len(l.states)-1], true
}

func openEngine(t *testing.T, be *fakeBackend) (*Engine, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	e, err := Open(context.Background(), "a-1", be, Options{Clock: mock})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, mock
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestOpenDeliversInitialState(t *testing.T) {
	be := newFakeBackend(model.StatusDraft)
	be.research = []model.ResearchItem{{ID: "r1", ArtifactID: "a-1"}}
	e, _ := openEngine(t, be)

	var log stateLog
	unsub := e.Subscribe(log.listen)
	defer unsub()

	eventually(t, func() bool { _, ok := log.last(); return ok }, "subscriber should get the current state")
	st, _ := log.last()
	assert.Equal(t, model.StatusDraft, st.Artifact.Status)
	assert.False(t, st.Processing)
	assert.Len(t, st.Research, 1)
	assert.True(t, st.ChannelDegraded, "no push channel configured")
	assert.Equal(t, approval.StatePending, st.Foundations.State)
}

func TestIllegalTransitionLeavesStateUnchanged(t *testing.T) {
	be := newFakeBackend(model.StatusDraft)
	e, _ := openEngine(t, be)

	for _, to := range []model.Status{model.StatusWriting, model.StatusPublished, model.StatusDraft, "bogus"} {
		err := e.RequestTransition(context.Background(), to)
		assert.True(t, errors.Is(err, model.ErrInvalidTransition), "draft → %s: got %v", to, err)
	}
	assert.Equal(t, 0, be.count("patch"), "illegal transitions must not reach the backend")
	st := e.State()
	assert.Equal(t, model.StatusDraft, st.Artifact.Status)
	assert.True(t, errors.Is(st.LastError, model.ErrInvalidTransition))
}

func TestDraftToResearchStartsPolling(t *testing.T) {
	be := newFakeBackend(model.StatusDraft)
	e, mock := openEngine(t, be)

	_, active := e.poll.Interval()
	assert.False(t, active, "idle draft is not polled")

	require.NoError(t, e.RequestTransition(context.Background(), model.StatusResearch))
	st := e.State()
	assert.Equal(t, model.StatusResearch, st.Artifact.Status)
	assert.True(t, st.Processing)

	d, active := e.poll.Interval()
	assert.True(t, active)
	assert.Equal(t, 2*time.Second, d)

	gets := be.count("get")
	mock.Add(2 * time.Second)
	eventually(t, func() bool { return be.count("get") > gets }, "poll tick should refetch")
	eventually(t, func() bool { return be.count("list-research") >= 2 }, "research is polled during research")
}

func TestLeavingProcessingStopsPolling(t *testing.T) {
	be := newFakeBackend(model.StatusCreatingVisuals)
	be.art.Content = model.StringPtr("done")
	e, mock := openEngine(t, be)

	_, active := e.poll.Interval()
	require.True(t, active)

	be.mu.Lock()
	be.mutate(func(a *model.Artifact) { a.Status = model.StatusReady })
	be.mu.Unlock()
	mock.Add(2 * time.Second)

	eventually(t, func() bool { return e.State().Artifact.Status == model.StatusReady }, "poll should pick up ready")
	eventually(t, func() bool { _, active := e.poll.Interval(); return !active }, "ready with content is not polled")
}

func TestOutOfOrderUpdatesKeepHighestVersion(t *testing.T) {
	be := newFakeBackend(model.StatusWriting)
	e, _ := openEngine(t, be)

	pushed := be.art.Clone()
	pushed.Status = model.StatusHumanityChecking
	pushed.Content = model.StringPtr("pushed")
	pushed.UpdatedAt = t0.Add(10 * time.Second)
	e.InvalidateArtifact(pushed)

	// The backend still serves the older version; poll results must not win.
	require.NoError(t, e.Refresh(context.Background()))
	st := e.State()
	assert.Equal(t, model.StatusHumanityChecking, st.Artifact.Status)
	assert.Equal(t, "pushed", *st.Artifact.Content)

	older := pushed.Clone()
	older.UpdatedAt = t0.Add(5 * time.Second)
	older.Status = model.StatusWriting
	assert.False(t, e.apply(older))
	same := pushed.Clone()
	same.Content = model.StringPtr("same version")
	assert.False(t, e.apply(same), "equal versions are dropped")
	assert.Equal(t, "pushed", *e.State().Artifact.Content)
}

func TestGatedStageRequiresApproval(t *testing.T) {
	be := newFakeBackend(model.StatusFoundationsApproval)
	e, _ := openEngine(t, be)

	err := e.RequestTransition(context.Background(), model.StatusWriting)
	assert.True(t, errors.Is(err, model.ErrInvalidTransition), "got %v", err)
	assert.Equal(t, 0, be.count("patch"))
}

func TestConcurrentApproveIssuesOneRequest(t *testing.T) {
	be := newFakeBackend(model.StatusFoundationsApproval)
	be.approveEntered = make(chan struct{})
	be.approveRelease = make(chan struct{})
	e, _ := openEngine(t, be)
	require.NoError(t, e.SubmitFoundationsEdits("edited outline"))

	first := make(chan error, 1)
	go func() { first <- e.ApproveGate(context.Background()) }()
	<-be.approveEntered

	second := e.ApproveGate(context.Background())
	assert.True(t, errors.Is(second, approval.ErrSubmitting), "got %v", second)
	assert.True(t, e.State().Foundations.Submitting)

	close(be.approveRelease)
	require.NoError(t, <-first)
	assert.Equal(t, 1, be.count("approve-foundations"))

	st := e.State()
	assert.Equal(t, model.StatusWriting, st.Artifact.Status)
	assert.Equal(t, "edited outline", *st.Artifact.Skeleton)
	assert.Equal(t, approval.StateApproved, st.Foundations.State)
}

func TestApproveGateWithoutOpenGate(t *testing.T) {
	be := newFakeBackend(model.StatusWriting)
	e, _ := openEngine(t, be)

	err := e.ApproveGate(context.Background())
	assert.True(t, errors.Is(err, model.ErrInvalidTransition), "got %v", err)
}

func TestApproveImagesThenGenerate(t *testing.T) {
	be := newFakeBackend(model.StatusCreatingVisuals)
	be.art.Visuals.Needs = []model.ImageNeed{{ID: "n1", Description: "hero"}, {ID: "n2", Description: "diagram"}}
	e, _ := openEngine(t, be)

	edited := e.State().Artifact.Visuals.Needs
	edited[0].Approved = true
	edited[1].Approved = false
	require.NoError(t, e.SubmitImageEdits(edited))
	require.NoError(t, e.ApproveGate(context.Background()))

	assert.Equal(t, 1, be.count("approve-images"))
	assert.Equal(t, 1, be.count("generate-images"))
	images := e.State().Artifact.Visuals.Images
	require.Len(t, images, 1)
	assert.Equal(t, "n1", images[0].ImageNeedID)
}

func TestRegenerateBudget(t *testing.T) {
	be := newFakeBackend(model.StatusReady)
	be.art.Content = model.StringPtr("body")
	be.art.Visuals = model.VisualsMetadata{
		Needs:  []model.ImageNeed{{ID: "n1", Approved: true}},
		Images: []model.FinalImage{{ID: "i1", ImageNeedID: "n1", GenerationAttempts: 2, CreatedAt: t0}},
	}
	e, _ := openEngine(t, be)
	assert.Equal(t, map[string]int{"n1": 1}, e.State().RegenerationsLeft)

	require.NoError(t, e.RegenerateImage(context.Background(), "n1", "brighter"))
	st := e.State()
	assert.Equal(t, 3, st.Artifact.Visuals.Attempts("n1"))
	assert.Equal(t, 0, st.RegenerationsLeft["n1"])

	err := e.RegenerateImage(context.Background(), "n1", "again")
	assert.True(t, errors.Is(err, model.ErrBudgetExhausted), "got %v", err)
	assert.Equal(t, 1, be.count("regenerate"), "exhausted budget must not reach the backend")

	err = e.RegenerateImage(context.Background(), "missing", "x")
	assert.True(t, errors.Is(err, model.ErrNotFound), "got %v", err)
}

func TestRapidEditsPersistOnce(t *testing.T) {
	be := newFakeBackend(model.StatusReady)
	be.art.Content = model.StringPtr("v0")
	e, mock := openEngine(t, be)

	require.NoError(t, e.Edit(autosave.FieldContent, "v1"))
	mock.Add(300 * time.Millisecond)
	require.NoError(t, e.Edit(autosave.FieldContent, "v12"))
	assert.Equal(t, "v12", *e.State().Artifact.Content, "view shows the local edit immediately")

	mock.Add(time.Second)
	eventually(t, func() bool { return len(be.contentPatches()) == 1 }, "one write expected")
	assert.Equal(t, []string{"v12"}, be.contentPatches())
	eventually(t, func() bool { return !e.State().PendingEdits }, "edit should be persisted")
}

func TestEditWhilePublishedDemotesOnce(t *testing.T) {
	be := newFakeBackend(model.StatusPublished)
	be.art.Content = model.StringPtr("live")
	e, _ := openEngine(t, be)

	require.NoError(t, e.Edit(autosave.FieldContent, "live!"))
	require.NoError(t, e.Edit(autosave.FieldContent, "live!!"))

	eventually(t, func() bool { return e.State().Artifact.Status == model.StatusReady }, "should re-open to ready")
	time.Sleep(20 * time.Millisecond)
	if diff := cmp.Diff([]model.Status{model.StatusReady}, be.statusPatches()); diff != "" {
		t.Errorf("status patches mismatch (-want +got):\n%s", diff)
	}
}

func TestFailedReopenRetriedOnNextEdit(t *testing.T) {
	be := newFakeBackend(model.StatusPublished)
	be.art.Content = model.StringPtr("live")
	be.failStatusPatches = 1
	e, mock := openEngine(t, be)

	require.NoError(t, e.Edit(autosave.FieldContent, "edit 1"))
	eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.demotion == nil && len(be.statusPatches()) == 1
	}, "first re-open attempt should finish")
	assert.Error(t, e.State().LastError)

	mock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, be.contentPatches(), "content must not be written while published")
	assert.Equal(t, model.StatusPublished, e.State().Artifact.Status)

	require.NoError(t, e.Edit(autosave.FieldContent, "edit 2"))
	eventually(t, func() bool {
		mock.Add(time.Second)
		return len(be.contentPatches()) == 1
	}, "content should be written once re-opened")

	if diff := cmp.Diff([]model.Status{model.StatusReady, model.StatusReady}, be.statusPatches()); diff != "" {
		t.Errorf("status patches mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"edit 2"}, be.contentPatches())
	be.mu.Lock()
	defer be.mu.Unlock()
	assert.Equal(t, model.StatusReady, be.art.Status)
	assert.Equal(t, "edit 2", *be.art.Content)
}

func TestFlushWaitsForReopen(t *testing.T) {
	be := newFakeBackend(model.StatusPublished)
	be.art.Content = model.StringPtr("live")
	e, _ := openEngine(t, be)

	require.NoError(t, e.Edit(autosave.FieldContent, "fixed typo"))
	require.NoError(t, e.Flush(context.Background()))

	assert.Equal(t, []model.Status{model.StatusReady}, be.statusPatches())
	assert.Equal(t, []string{"fixed typo"}, be.contentPatches())
	assert.False(t, e.coord.HasPending())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRealtimeLogsCarryArtifactIDOnce(t *testing.T) {
	var out syncBuffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	e, err := Open(context.Background(), "a-1", newFakeBackend(model.StatusDraft), Options{
		Clock:  clock.NewMock(),
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	var line string
	eventually(t, func() bool {
		for _, l := range strings.Split(out.String(), "\n") {
			if strings.Contains(l, "realtime channel degraded") {
				line = l
				return true
			}
		}
		return false
	}, "degraded line should be logged")
	assert.Equal(t, 1, strings.Count(line, "artifact_id=a-1"), line)
}

func TestResearchCRUD(t *testing.T) {
	be := newFakeBackend(model.StatusResearch)
	e, _ := openEngine(t, be)

	item, err := e.AddResearch(context.Background(), model.ResearchInput{SourceURL: "https://example.com", Title: "Example"})
	require.NoError(t, err)
	assert.Len(t, e.State().Research, 1)

	require.NoError(t, e.DeleteResearch(context.Background(), item.ID))
	assert.Empty(t, e.State().Research)
}

func TestCloseStopsEverything(t *testing.T) {
	be := newFakeBackend(model.StatusWriting)
	e, mock := openEngine(t, be)
	require.NoError(t, e.Edit(autosave.FieldTone, "casual"))

	e.Close()
	gets := be.count("get")
	mock.Add(10 * time.Second)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, gets, be.count("get"), "no polling after Close")
	assert.Equal(t, 0, be.count("patch"), "no autosave after Close")

	late := be.art.Clone()
	late.UpdatedAt = t0.Add(time.Hour)
	assert.False(t, e.apply(late), "results after Close are dropped")
}

func TestPollFailureSurfacesRecoverableError(t *testing.T) {
	be := newFakeBackend(model.StatusWriting)
	e, mock := openEngine(t, be)

	be.mu.Lock()
	be.getErr = model.Errorf(model.KindNetworkFailure, "get artifact", "503")
	be.mu.Unlock()
	mock.Add(2 * time.Second)

	eventually(t, func() bool { return errors.Is(e.State().LastError, model.ErrNetworkFailure) }, "poll failure surfaced")
	_, active := e.poll.Interval()
	assert.True(t, active, "polling keeps going after a failure")
}

func TestRegistry(t *testing.T) {
	be := newFakeBackend(model.StatusDraft)
	r := NewRegistry(be, Options{Clock: clock.NewMock()})
	t.Cleanup(r.CloseAll)

	e, err := r.Open(context.Background(), "a-1")
	require.NoError(t, err)

	_, err = r.Open(context.Background(), "a-1")
	assert.True(t, errors.Is(err, model.ErrConflict), "got %v", err)

	reader, err := r.Attach("a-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, reader.State().Artifact.Status)

	_, err = r.Attach("other")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	e.Close()
	e2, err := r.Open(context.Background(), "a-1")
	require.NoError(t, err, "closing releases write ownership")
	e2.Close()
}

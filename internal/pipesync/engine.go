// Package pipesync keeps one client's view of an artifact current while the
// backend moves it through the pipeline.
//
// An Engine merges three sources: poll responses, push notifications and the
// user's own edits. Authoritative records are applied strictly in updatedAt
// order so a late poll response can never roll the view back, and pending
// local edits are overlaid on top until they are persisted.
package pipesync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"github.com/yangwenmai/draftsync/internal/approval"
	"github.com/yangwenmai/draftsync/internal/autosave"
	"github.com/yangwenmai/draftsync/internal/model"
	"github.com/yangwenmai/draftsync/internal/pipeline"
	"github.com/yangwenmai/draftsync/internal/polling"
	"github.com/yangwenmai/draftsync/internal/realtime"
	"github.com/yangwenmai/draftsync/internal/retry"
)

// Backend is the subset of the artifact API the engine drives.
type Backend interface {
	GetArtifact(ctx context.Context, id string) (*model.Artifact, error)
	PatchArtifact(ctx context.Context, id string, patch model.ArtifactPatch) (*model.Artifact, error)
	ApproveFoundations(ctx context.Context, id string, skeleton *string) (model.ApproveFoundationsResponse, error)
	ListResearch(ctx context.Context, id string) ([]model.ResearchItem, error)
	AddResearch(ctx context.Context, id string, in model.ResearchInput) (*model.ResearchItem, error)
	DeleteResearch(ctx context.Context, id, researchID string) error
	ApproveImages(ctx context.Context, id string, decisions []model.ImageDecision) (*model.Artifact, error)
	GenerateImages(ctx context.Context, id string) (*model.Artifact, error)
	RegenerateImage(ctx context.Context, id, imageID, description string) (model.RegenerateImageResponse, error)
}

// Options configures an Engine. The zero value is usable.
type Options struct {
	Channel           realtime.Channel // nil disables push; polling still runs
	Clock             clock.Clock
	Logger            *slog.Logger
	QuietPeriod       time.Duration // autosave debounce, default 1s
	RegenerationLimit int           // default retry.ImageRegenerationLimit

	onClose func()
}

// Listener receives state after every change. Listeners are called from a
// single goroutine, in order, and may call back into the engine.
type Listener func(State)

// Engine owns the client-side state of one artifact.
type Engine struct {
	id      string
	backend Backend
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	coord       *autosave.Coordinator
	poll        *polling.Loop
	bridge      *realtime.Bridge
	foundations *approval.Gate[string]
	images      *approval.Gate[[]model.ImageNeed]
	budget      *retry.Tracker[string]
	fetches     singleflight.Group

	mu                  sync.Mutex
	server              *model.Artifact
	research            []model.ResearchItem
	generationRequested bool
	degraded            bool
	demotion            chan struct{} // closed when the in-flight demotion ends
	lastErr             error
	closed              bool
	listeners           map[int]Listener
	nextListener        int

	dirty     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
}

// Open fetches the artifact and starts polling and the push subscription.
func Open(ctx context.Context, id string, backend Backend, opts Options) (*Engine, error) {
	initial, err := backend.GetArtifact(ctx, id)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := logger
	logger = logger.With("artifact_id", id)
	limit := opts.RegenerationLimit
	if limit <= 0 {
		limit = retry.ImageRegenerationLimit
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	ectx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		id:        id,
		backend:   backend,
		logger:    logger,
		ctx:       ectx,
		cancel:    cancel,
		budget:    retry.NewTracker[string](retry.NewBudget(limit)),
		listeners: make(map[int]Listener),
		dirty:     make(chan struct{}, 1),
		done:      make(chan struct{}),
		onClose:   opts.onClose,
	}

	e.coord = autosave.New(e.persist, e.authority,
		autosave.WithClock(clk),
		autosave.WithQuietPeriod(opts.QuietPeriod),
		autosave.WithLogger(logger),
		autosave.WithOnOutcome(e.onAutosave),
		autosave.WithDemote(e.startDemote),
	)
	e.poll = polling.NewLoop(clk, e.tick)
	e.foundations = approval.New("foundations", e.submitFoundations,
		approval.WithOnChange[string](e.changed))
	e.images = approval.New("images", e.submitImages,
		approval.WithOnChange[[]model.ImageNeed](e.changed),
		approval.WithClone(func(n []model.ImageNeed) []model.ImageNeed { return append([]model.ImageNeed(nil), n...) }))
	e.bridge = realtime.NewBridge(opts.Channel, id, e,
		realtime.WithLogger(base),
		realtime.WithOnDegraded(e.setDegraded))

	go e.dispatch()
	e.apply(initial)
	if items, err := backend.ListResearch(ctx, id); err != nil {
		logger.Warn("initial research fetch failed", "error", err)
	} else {
		e.setResearch(items)
	}

	e.bridge.SeedStatus(initial.Status)
	e.bridge.Start(ectx)
	logger.Info("sync engine opened", "status", initial.Status)
	return e, nil
}

// ID returns the artifact id.
func (e *Engine) ID() string { return e.id }

// Subscribe registers a listener. It receives the current state shortly
// after registration and after every change. The returned func unsubscribes.
func (e *Engine) Subscribe(l Listener) func() {
	e.mu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = l
	e.mu.Unlock()
	e.changed()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// RequestTransition moves the artifact to `to` if the pipeline allows it.
// Approval-gated stages are left through ApproveGate, not here.
func (e *Engine) RequestTransition(ctx context.Context, to model.Status) error {
	e.mu.Lock()
	from := e.server.Status
	e.mu.Unlock()

	if err := pipeline.ValidateTransition(from, to); err != nil {
		return e.fail(err)
	}
	if pipeline.IsApprovalGated(from) {
		return e.fail(model.Errorf(model.KindInvalidTransition, "transition",
			"%s is released by approving the gate", from))
	}

	requested := from == model.StatusDraft && to == model.StatusResearch
	if requested {
		e.setGenerationRequested(true)
	}
	art, err := e.backend.PatchArtifact(ctx, e.id, model.ArtifactPatch{Status: &to})
	if err != nil {
		if requested {
			e.setGenerationRequested(false)
		}
		return e.fail(err)
	}
	e.logger.Info("status transition", "from", from, "to", art.Status)
	e.apply(art)
	e.clearError()
	return nil
}

// Edit records a local change to an autosaved field.
func (e *Engine) Edit(field autosave.Field, value any) error {
	if err := e.coord.OnLocalChange(field, value); err != nil {
		return err
	}
	e.changed()
	return nil
}

// SubmitFoundationsEdits stores an edited skeleton for the foundations gate.
func (e *Engine) SubmitFoundationsEdits(skeleton string) error {
	return e.foundations.SubmitEdits(skeleton)
}

// SubmitImageEdits stores edited image needs for the image gate.
func (e *Engine) SubmitImageEdits(needs []model.ImageNeed) error {
	return e.images.SubmitEdits(needs)
}

// ApproveGate approves whichever gate is open at the current status.
func (e *Engine) ApproveGate(ctx context.Context) error {
	e.mu.Lock()
	status := e.server.Status
	e.mu.Unlock()

	switch {
	case status == model.StatusFoundationsApproval:
		return e.approve(ctx, e.foundations.Approve)
	case imageGateOpen(status):
		return e.ApproveImages(ctx)
	}
	return e.fail(model.Errorf(model.KindInvalidTransition, "approve", "no approval gate is open at %s", status))
}

// ApproveImages approves the image needs and asks for their images.
func (e *Engine) ApproveImages(ctx context.Context) error {
	e.mu.Lock()
	status := e.server.Status
	hasNeeds := len(e.server.Visuals.Needs) > 0
	e.mu.Unlock()

	if !imageGateOpen(status) || !hasNeeds {
		return e.fail(model.Errorf(model.KindInvalidTransition, "approve images",
			"no image needs awaiting approval at %s", status))
	}
	return e.approve(ctx, e.images.Approve)
}

// RegenerateImage asks for a new image for needID. The attempt budget is
// checked before any request is made.
func (e *Engine) RegenerateImage(ctx context.Context, needID, description string) error {
	e.mu.Lock()
	visuals := e.server.Visuals.Clone()
	e.mu.Unlock()

	if _, ok := visuals.Need(needID); !ok {
		return e.fail(model.Errorf(model.KindNotFound, "regenerate", "image need %q", needID))
	}
	img, ok := visuals.LatestImage(needID)
	if !ok {
		return e.fail(model.Errorf(model.KindNotFound, "regenerate", "image need %q has no image yet", needID))
	}
	if err := e.budget.Reserve(needID); err != nil {
		e.changed()
		return e.fail(err)
	}

	res, err := e.backend.RegenerateImage(ctx, e.id, img.ID, description)
	if err != nil {
		e.budget.Release(needID)
		return e.fail(err)
	}
	attempts := e.budget.Commit(needID)
	e.budget.Observe(needID, res.Image.GenerationAttempts)
	e.logger.Info("image regenerated", "need_id", needID, "attempts", attempts)

	if res.Artifact != nil {
		e.apply(res.Artifact)
	} else {
		go e.refreshQuietly()
	}
	e.clearError()
	return nil
}

// Refresh refetches the artifact and its research list.
func (e *Engine) Refresh(ctx context.Context) error {
	if err := e.refreshArtifact(ctx); err != nil {
		return e.fail(err)
	}
	if err := e.refreshResearch(ctx); err != nil {
		return e.fail(err)
	}
	return nil
}

// AddResearch attaches a research source.
func (e *Engine) AddResearch(ctx context.Context, in model.ResearchInput) (*model.ResearchItem, error) {
	item, err := e.backend.AddResearch(ctx, e.id, in)
	if err != nil {
		return nil, e.fail(err)
	}
	e.mu.Lock()
	if !e.closed {
		e.research = append(e.research, *item)
	}
	e.mu.Unlock()
	e.changed()
	return item, nil
}

// DeleteResearch removes a research source.
func (e *Engine) DeleteResearch(ctx context.Context, researchID string) error {
	if err := e.backend.DeleteResearch(ctx, e.id, researchID); err != nil && !errors.Is(err, model.ErrNotFound) {
		return e.fail(err)
	}
	e.mu.Lock()
	kept := e.research[:0:0]
	for _, r := range e.research {
		if r.ID != researchID {
			kept = append(kept, r)
		}
	}
	e.research = kept
	e.mu.Unlock()
	e.changed()
	return nil
}

// Flush persists pending edits immediately. A re-open of a published
// artifact still in flight is waited for first.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	demotion := e.demotion
	e.mu.Unlock()
	if demotion != nil {
		select {
		case <-demotion:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return e.coord.Flush(ctx)
}

// Close stops polling, debounce timers and the push subscription. Requests
// still in flight complete but their results are dropped.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		e.poll.Stop()
		e.coord.Stop()
		e.bridge.Close()
		e.cancel()
		close(e.done)
		if e.onClose != nil {
			e.onClose()
		}
		e.logger.Info("sync engine closed")
	})
}

// InvalidateArtifact implements realtime.Invalidator.
func (e *Engine) InvalidateArtifact(hint *model.Artifact) {
	if hint != nil && hint.ID == e.id && !hint.UpdatedAt.IsZero() {
		e.apply(hint)
	}
	go e.refreshQuietly()
}

// InvalidateResearch implements realtime.Invalidator.
func (e *Engine) InvalidateResearch() {
	go func() {
		if err := e.refreshResearch(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Warn("research refetch failed", "error", err)
		}
	}()
}

func imageGateOpen(s model.Status) bool {
	return s == model.StatusCreatingVisuals || s == model.StatusReady
}

func (e *Engine) approve(ctx context.Context, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		return e.fail(err)
	}
	e.clearError()
	return nil
}

func (e *Engine) submitFoundations(ctx context.Context, edited *string) error {
	res, err := e.backend.ApproveFoundations(ctx, e.id, edited)
	if err != nil {
		return err
	}
	if !res.Success {
		return model.Errorf(model.KindConflict, "approve foundations", "backend declined approval")
	}
	e.logger.Info("foundations approved", "new_status", res.NewStatus, "edited", edited != nil)
	if err := e.refreshArtifact(ctx); err != nil {
		e.logger.Warn("refetch after approval failed", "error", err)
	}
	return nil
}

func (e *Engine) submitImages(ctx context.Context, edited *[]model.ImageNeed) error {
	var needs []model.ImageNeed
	if edited != nil {
		needs = *edited
	} else {
		e.mu.Lock()
		needs = e.server.Visuals.Clone().Needs
		e.mu.Unlock()
		for i := range needs {
			needs[i].Approved = true
		}
	}

	art, err := e.backend.ApproveImages(ctx, e.id, model.DecisionsFromNeeds(needs))
	if err != nil {
		return err
	}
	e.apply(art)
	art, err = e.backend.GenerateImages(ctx, e.id)
	if err != nil {
		return err
	}
	e.apply(art)
	return nil
}

func (e *Engine) persist(ctx context.Context, field autosave.Field, value any) (*model.Artifact, error) {
	patch, err := autosave.PatchFor(field, value)
	if err != nil {
		return nil, err
	}
	return e.backend.PatchArtifact(ctx, e.id, patch)
}

func (e *Engine) authority() autosave.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := autosave.Snapshot{Status: e.server.Status, Version: e.server.UpdatedAt}
	if e.server.Content != nil {
		snap.Content = *e.server.Content
	}
	return snap
}

func (e *Engine) onAutosave(out autosave.Outcome) {
	if out.Artifact != nil {
		e.apply(out.Artifact)
	}
	switch model.KindOf(out.Err) {
	case "":
		e.changed()
	case model.KindStaleWrite:
		e.changed()
	default:
		e.fail(out.Err)
	}
}

func (e *Engine) startDemote() {
	done := make(chan struct{})
	e.mu.Lock()
	e.demotion = done
	e.mu.Unlock()
	go func() {
		defer func() {
			e.mu.Lock()
			if e.demotion == done {
				e.demotion = nil
			}
			e.mu.Unlock()
			close(done)
		}()
		e.demote()
	}()
}

// demote re-opens a published artifact. On failure the edit session is
// reset so the next content edit asks again; held content stays pending.
func (e *Engine) demote() {
	if err := e.RequestTransition(e.ctx, model.StatusReady); err != nil {
		e.logger.Warn("re-opening published artifact failed", "error", err)
		e.coord.ResetSession()
	}
}

func (e *Engine) tick() {
	e.mu.Lock()
	inResearch := e.server.Status == model.StatusResearch
	e.mu.Unlock()

	if err := e.refreshArtifact(e.ctx); err != nil {
		if e.ctx.Err() == nil {
			e.logger.Warn("poll failed", "error", err)
			e.fail(err)
		}
		return
	}
	if inResearch {
		if err := e.refreshResearch(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Warn("research poll failed", "error", err)
		}
	}
}

func (e *Engine) refreshQuietly() {
	if err := e.refreshArtifact(e.ctx); err != nil && e.ctx.Err() == nil {
		e.logger.Warn("refetch failed", "error", err)
	}
}

// refreshArtifact fetches the record, sharing one request among concurrent
// callers.
func (e *Engine) refreshArtifact(ctx context.Context) error {
	ch := e.fetches.DoChan("artifact", func() (any, error) {
		return e.backend.GetArtifact(e.ctx, e.id)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		e.apply(res.Val.(*model.Artifact))
		return nil
	}
}

func (e *Engine) refreshResearch(ctx context.Context) error {
	ch := e.fetches.DoChan("research", func() (any, error) {
		return e.backend.ListResearch(e.ctx, e.id)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		e.setResearch(res.Val.([]model.ResearchItem))
		return nil
	}
}

// apply merges an authoritative record. Records not strictly newer than the
// current one are dropped, as is everything after Close.
func (e *Engine) apply(a *model.Artifact) bool {
	if a == nil {
		return false
	}
	e.mu.Lock()
	if e.closed || !a.NewerThan(e.server) {
		e.mu.Unlock()
		return false
	}
	prev := e.server
	e.server = a.Clone()
	if a.Status != model.StatusDraft {
		e.generationRequested = false
	}
	e.mu.Unlock()

	for _, n := range a.Visuals.Needs {
		e.budget.Observe(n.ID, a.Visuals.Attempts(n.ID))
	}
	if prev == nil || prev.Status != a.Status {
		e.onStatusChange(prev, a.Status)
	}
	e.reschedule()
	e.changed()
	return true
}

func (e *Engine) onStatusChange(prev *model.Artifact, to model.Status) {
	if prev != nil {
		e.logger.Debug("status changed", "from", prev.Status, "to", to)
		if prev.Status == model.StatusPublished {
			e.coord.Resume()
		}
	}
	switch to {
	case model.StatusFoundationsApproval:
		e.foundations.Reset()
	case model.StatusCreatingVisuals:
		e.images.Reset()
	case model.StatusPublished:
		e.coord.ResetSession()
	}
}

func (e *Engine) reschedule() {
	e.mu.Lock()
	d, ok := polling.NextInterval(e.server, e.generationRequested)
	closed := e.closed
	e.mu.Unlock()
	if !closed {
		e.poll.Reschedule(d, ok)
	}
}

func (e *Engine) setGenerationRequested(v bool) {
	e.mu.Lock()
	e.generationRequested = v
	e.mu.Unlock()
	e.reschedule()
}

func (e *Engine) setResearch(items []model.ResearchItem) {
	e.mu.Lock()
	if !e.closed {
		e.research = append([]model.ResearchItem(nil), items...)
	}
	e.mu.Unlock()
	e.changed()
}

func (e *Engine) setDegraded(d bool) {
	e.mu.Lock()
	e.degraded = d
	e.mu.Unlock()
	e.changed()
}

// fail records err as the last surfaced error and returns it.
func (e *Engine) fail(err error) error {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
	e.changed()
	return err
}

func (e *Engine) clearError() {
	e.mu.Lock()
	cleared := e.lastErr != nil
	e.lastErr = nil
	e.mu.Unlock()
	if cleared {
		e.changed()
	}
}

// changed schedules a delivery to listeners. Bursts coalesce into one.
func (e *Engine) changed() {
	select {
	case e.dirty <- struct{}{}:
	default:
	}
}

func (e *Engine) dispatch() {
	for {
		select {
		case <-e.done:
			return
		case <-e.dirty:
		}
		st := e.State()
		e.mu.Lock()
		ls := make([]Listener, 0, len(e.listeners))
		for _, l := range e.listeners {
			ls = append(ls, l)
		}
		e.mu.Unlock()
		for _, l := range ls {
			l(st)
		}
	}
}

package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangwenmai/draftsync/internal/model"
)

type fakeChannel struct {
	mu       sync.Mutex
	err      error
	onEvent  func(ChangeEvent)
	onError  func(error)
	closed   bool
	subbedID string
}

func (f *fakeChannel) Subscribe(_ context.Context, id string, onEvent func(ChangeEvent), onError func(error)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.subbedID = id
	f.onEvent = onEvent
	f.onError = onError
	return f, nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onEvent != nil
}

func (f *fakeChannel) push(ev ChangeEvent) {
	f.mu.Lock()
	fn := f.onEvent
	f.mu.Unlock()
	fn(ev)
}

func (f *fakeChannel) fail(err error) {
	f.mu.Lock()
	fn := f.onError
	f.mu.Unlock()
	fn(err)
}

type recorder struct {
	mu       sync.Mutex
	hints    []*model.Artifact
	research int
}

func (r *recorder) InvalidateArtifact(hint *model.Artifact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hints = append(r.hints, hint)
}

func (r *recorder) InvalidateResearch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.research++
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hints), r.research
}

func startBridge(t *testing.T, ch Channel, opts ...Option) (*Bridge, *recorder) {
	t.Helper()
	rec := &recorder{}
	b := NewBridge(ch, "a-1", rec, opts...)
	b.Start(context.Background())
	t.Cleanup(b.Close)
	return b, rec
}

func row(status model.Status) *model.Artifact {
	return &model.Artifact{ID: "a-1", Status: status}
}

func TestBridge_InvalidatesArtifactOnUpdate(t *testing.T) {
	ch := &fakeChannel{}
	_, rec := startBridge(t, ch)
	require.Eventually(t, ch.ready, time.Second, 5*time.Millisecond)
	assert.Equal(t, "a-1", ch.subbedID)

	ch.push(ChangeEvent{Type: ChangeUpdate, ArtifactID: "a-1", Old: row(model.StatusWriting), New: row(model.StatusWriting)})

	artifacts, research := rec.counts()
	assert.Equal(t, 1, artifacts)
	assert.Equal(t, 0, research, "same status must not touch research")
}

func TestBridge_StatusChangeInvalidatesResearch(t *testing.T) {
	ch := &fakeChannel{}
	_, rec := startBridge(t, ch)
	require.Eventually(t, ch.ready, time.Second, 5*time.Millisecond)

	ch.push(ChangeEvent{Type: ChangeUpdate, ArtifactID: "a-1", Old: row(model.StatusResearch), New: row(model.StatusFoundations)})

	_, research := rec.counts()
	assert.Equal(t, 1, research)
}

func TestBridge_DiffsAgainstLastSeenStatusWhenOldMissing(t *testing.T) {
	ch := &fakeChannel{}
	b, rec := startBridge(t, ch)
	b.SeedStatus(model.StatusDraft)
	require.Eventually(t, ch.ready, time.Second, 5*time.Millisecond)

	ch.push(ChangeEvent{Type: ChangeUpdate, ArtifactID: "a-1", New: row(model.StatusResearch)})
	ch.push(ChangeEvent{Type: ChangeUpdate, ArtifactID: "a-1", New: row(model.StatusResearch)})

	artifacts, research := rec.counts()
	assert.Equal(t, 2, artifacts)
	assert.Equal(t, 1, research, "only the first event changed status")
}

func TestBridge_IgnoresOtherArtifacts(t *testing.T) {
	ch := &fakeChannel{}
	_, rec := startBridge(t, ch)
	require.Eventually(t, ch.ready, time.Second, 5*time.Millisecond)

	ch.push(ChangeEvent{Type: ChangeUpdate, ArtifactID: "other", New: &model.Artifact{ID: "other"}})

	artifacts, _ := rec.counts()
	assert.Equal(t, 0, artifacts)
}

func TestBridge_SubscribeFailureDegrades(t *testing.T) {
	ch := &fakeChannel{err: errors.New("dial tcp: connection refused")}
	var flips []bool
	var mu sync.Mutex
	b, _ := startBridge(t, ch, WithOnDegraded(func(d bool) {
		mu.Lock()
		flips = append(flips, d)
		mu.Unlock()
	}))

	require.Eventually(t, b.Degraded, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []bool{true}, flips)
	mu.Unlock()
}

func TestBridge_DisconnectDegradesAndEventRecovers(t *testing.T) {
	ch := &fakeChannel{}
	b, rec := startBridge(t, ch)
	require.Eventually(t, ch.ready, time.Second, 5*time.Millisecond)

	ch.fail(errors.New("transport close"))
	assert.True(t, b.Degraded())

	ch.push(ChangeEvent{Type: ChangeUpdate, ArtifactID: "a-1", New: row(model.StatusReady)})
	assert.False(t, b.Degraded())
	artifacts, _ := rec.counts()
	assert.Equal(t, 1, artifacts)
}

func TestBridge_NilChannelIsDegraded(t *testing.T) {
	b, _ := startBridge(t, nil)
	assert.True(t, b.Degraded())
}

func TestBridge_CloseStopsDelivery(t *testing.T) {
	ch := &fakeChannel{}
	b, rec := startBridge(t, ch)
	require.Eventually(t, ch.ready, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.sub != nil
	}, time.Second, 5*time.Millisecond)

	b.Close()
	ch.push(ChangeEvent{Type: ChangeUpdate, ArtifactID: "a-1", New: row(model.StatusReady)})
	ch.fail(errors.New("late"))

	artifacts, _ := rec.counts()
	assert.Equal(t, 0, artifacts)
	assert.False(t, b.Degraded())
	ch.mu.Lock()
	assert.True(t, ch.closed, "subscription should be closed")
	ch.mu.Unlock()
}

func TestDecodeChangeEvent(t *testing.T) {
	payload := map[string]any{
		"type":       "UPDATE",
		"artifactId": "a-1",
		"old":        map[string]any{"id": "a-1", "status": "writing"},
		"new":        map[string]any{"id": "a-1", "status": "humanity_checking", "updatedAt": "2026-01-01T00:00:00Z"},
	}
	ev, err := DecodeChangeEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, "a-1", ev.ArtifactID)
	assert.Equal(t, model.StatusWriting, ev.Old.Status)
	assert.Equal(t, model.StatusHumanityChecking, ev.New.Status)
	assert.Equal(t, 2026, ev.New.UpdatedAt.Year())

	ev, err = DecodeChangeEvent(`{"type":"UPDATE","new":{"id":"a-2","status":"ready"}}`)
	require.NoError(t, err)
	assert.Equal(t, "a-2", ev.ArtifactID, "artifact id falls back to the new row")

	_, err = DecodeChangeEvent(map[string]any{"type": "UPDATE"})
	assert.Error(t, err)
}

// Package autosave debounces local edits to an artifact and reconciles them
// with authoritative updates from the backend.
//
// Every local change replaces the pending value of its field and restarts
// that field's quiet period; when the quiet period elapses the latest value
// is persisted in a single write. While a field has an unflushed edit,
// Overlay keeps the local value over whatever the server pushes. For fields
// the backend is currently generating, the server wins instead: a pending
// edit is dropped rather than written once the backend has produced new
// content since the edit began.
package autosave

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/yangwenmai/draftsync/internal/model"
	"github.com/yangwenmai/draftsync/internal/pipeline"
)

// DefaultQuietPeriod is the time a field must stay unchanged before it is
// written.
const DefaultQuietPeriod = time.Second

// Field names an autosaved artifact field.
type Field string

// Autosaved fields
const (
	FieldContent Field = "content"
	FieldTone    Field = "tone"
	FieldTags    Field = "tags"
)

// Snapshot is the part of the authoritative copy the coordinator reasons about.
type Snapshot struct {
	Status  model.Status
	Version time.Time
	Content string
}

// Authority reports the current authoritative copy. It is called without the
// coordinator mutex held.
type Authority func() Snapshot

// PersistFunc writes one field and returns the updated authoritative record.
type PersistFunc func(ctx context.Context, field Field, value any) (*model.Artifact, error)

// Outcome is the result of one flush attempt. Artifact is set whenever the
// backend returned a record, even for a superseded write.
type Outcome struct {
	Field    Field
	Artifact *model.Artifact
	Err      error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock driving debounce timers.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithQuietPeriod overrides DefaultQuietPeriod.
func WithQuietPeriod(d time.Duration) Option {
	return func(co *Coordinator) {
		if d > 0 {
			co.quiet = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) { co.logger = l }
}

// WithOnOutcome registers the callback receiving every flush outcome.
func WithOnOutcome(fn func(Outcome)) Option {
	return func(co *Coordinator) { co.onOutcome = fn }
}

// WithDemote registers the callback fired on the first content edit made
// while the artifact is published. Content writes are held while the
// artifact stays published; Resume releases them once it has moved.
func WithDemote(fn func()) Option {
	return func(co *Coordinator) { co.demote = fn }
}

type pendingEdit struct {
	value       any
	seq         uint64
	base        time.Time // authoritative version when the edit began
	baseContent string    // authoritative content when the edit began
	timer       *clock.Timer
	timerID     uint64
	armed       bool
	held        bool
	inflight    bool
	requeue     bool
}

// Coordinator owns the pending edits of one artifact. It is safe for
// concurrent use.
type Coordinator struct {
	mu        sync.Mutex
	clock     clock.Clock
	quiet     time.Duration
	persist   PersistFunc
	authority Authority
	logger    *slog.Logger
	onOutcome func(Outcome)
	demote    func()

	ctx    context.Context
	cancel context.CancelFunc

	edits   map[Field]*pendingEdit
	seq     uint64
	demoted bool
	stopped bool
}

// New creates a Coordinator.
func New(persist PersistFunc, authority Authority, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		clock:     clock.New(),
		quiet:     DefaultQuietPeriod,
		persist:   persist,
		authority: authority,
		logger:    slog.Default(),
		ctx:       ctx,
		cancel:    cancel,
		edits:     make(map[Field]*pendingEdit),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnLocalChange records a local edit and restarts the field's quiet period.
func (c *Coordinator) OnLocalChange(field Field, value any) error {
	value, err := normalizeValue(field, value)
	if err != nil {
		return err
	}
	auth := c.authority()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return model.Errorf(model.KindConflict, "autosave", "coordinator stopped")
	}
	e := c.edits[field]
	if e == nil {
		e = &pendingEdit{base: auth.Version, baseContent: auth.Content}
		c.edits[field] = e
	}
	c.seq++
	e.value = value
	e.seq = c.seq
	e.held = false
	c.armLocked(field, e)

	demote := field == FieldContent && auth.Status == model.StatusPublished && !c.demoted
	if demote {
		c.demoted = true
	}
	c.mu.Unlock()

	if demote && c.demote != nil {
		c.logger.Info("content edited while published, re-opening", "field", field)
		c.demote()
	}
	return nil
}

// ResetSession starts a new edit session: the next content edit made while
// published demotes the artifact again.
func (c *Coordinator) ResetSession() {
	c.mu.Lock()
	c.demoted = false
	c.mu.Unlock()
}

// Resume re-arms edits held while the artifact was published.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	for field, e := range c.edits {
		if e.held {
			e.held = false
			c.armLocked(field, e)
		}
	}
}

// Pending reports whether field has an unflushed or in-flight edit.
func (c *Coordinator) Pending(field Field) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.edits[field]
	return ok
}

// HasPending reports whether any field has an unflushed or in-flight edit.
func (c *Coordinator) HasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.edits) > 0
}

// Overlay returns a copy of a with every pending local value applied.
func (c *Coordinator) Overlay(a *model.Artifact) *model.Artifact {
	out := a.Clone()
	if out == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for field, e := range c.edits {
		apply(out, field, e.value)
	}
	return out
}

// Flush writes every pending edit now, bypassing the quiet period. It
// returns the first failure. A content edit held while the artifact is
// published fails with Conflict and stays pending.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	fields := make([]Field, 0, len(c.edits))
	for field, e := range c.edits {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.armed = false
		fields = append(fields, field)
	}
	c.mu.Unlock()

	var first error
	for _, field := range fields {
		out, ok := c.flush(ctx, field, 0, false)
		if ok && out.Err != nil && first == nil && model.KindOf(out.Err) != model.KindStaleWrite {
			first = out.Err
		}
	}
	return first
}

// Stop cancels every debounce timer and drops pending edits. Writes in
// flight may complete but their outcomes are discarded.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	for _, e := range c.edits {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	c.edits = make(map[Field]*pendingEdit)
	c.cancel()
}

func (c *Coordinator) armLocked(field Field, e *pendingEdit) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timerID++
	id := e.timerID
	e.armed = true
	e.timer = c.clock.AfterFunc(c.quiet, func() {
		c.flush(c.ctx, field, id, true)
	})
}

// flush writes field once. fromTimer flushes are ignored unless id names
// the field's current timer.
func (c *Coordinator) flush(ctx context.Context, field Field, id uint64, fromTimer bool) (Outcome, bool) {
	auth := c.authority()

	c.mu.Lock()
	e := c.edits[field]
	if c.stopped || e == nil || (fromTimer && id != e.timerID) {
		c.mu.Unlock()
		return Outcome{}, false
	}
	if fromTimer {
		e.armed = false
	}
	if e.inflight {
		e.requeue = true
		c.mu.Unlock()
		return Outcome{}, false
	}
	if field == FieldContent && auth.Status == model.StatusPublished && c.demote != nil {
		e.held = true
		c.mu.Unlock()

		c.logger.Debug("content write held until the artifact leaves published", "field", field)
		return Outcome{Field: field, Err: model.Errorf(model.KindConflict, "autosave "+string(field),
			"artifact is still published")}, true
	}
	if field == FieldContent && pipeline.IsGenerationOwned(auth.Status) &&
		auth.Version.After(e.base) && auth.Content != e.baseContent {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(c.edits, field)
		c.mu.Unlock()

		out := Outcome{Field: field, Err: model.Errorf(model.KindStaleWrite, "autosave "+string(field),
			"backend produced newer content at %s", auth.Status)}
		c.emit(out)
		return out, true
	}
	e.inflight = true
	seq, value := e.seq, e.value
	c.mu.Unlock()

	art, err := c.persist(ctx, field, value)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return Outcome{}, false
	}
	e.inflight = false
	requeue := e.requeue
	e.requeue = false

	out := Outcome{Field: field, Artifact: art}
	switch {
	case err != nil:
		out.Artifact = nil
		out.Err = asNetworkFailure(field, err)
		switch {
		case model.KindOf(out.Err) == model.KindNetworkFailure:
			if !e.armed {
				c.armLocked(field, e)
			}
		case e.seq == seq:
			// refused by the backend; retrying cannot help
			if e.timer != nil {
				e.timer.Stop()
			}
			delete(c.edits, field)
		case requeue && !e.armed:
			c.armLocked(field, e)
		}
	case e.seq != seq:
		out.Err = model.Errorf(model.KindStaleWrite, "autosave "+string(field), "superseded by a newer local edit")
		if art != nil && art.UpdatedAt.After(e.base) {
			e.base = art.UpdatedAt
			if art.Content != nil {
				e.baseContent = *art.Content
			}
		}
		if requeue && !e.armed {
			c.armLocked(field, e)
		}
	default:
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(c.edits, field)
	}
	c.mu.Unlock()

	c.emit(out)
	return out, true
}

func (c *Coordinator) emit(out Outcome) {
	switch model.KindOf(out.Err) {
	case "":
	case model.KindStaleWrite:
		c.logger.Debug("autosave write not applied", "field", out.Field, "reason", out.Err)
	case model.KindNetworkFailure:
		c.logger.Warn("autosave write failed, will retry", "field", out.Field, "error", out.Err)
	default:
		c.logger.Warn("autosave write refused, edit dropped", "field", out.Field, "error", out.Err)
	}
	if c.onOutcome != nil {
		c.onOutcome(out)
	}
}

func asNetworkFailure(field Field, err error) error {
	if model.KindOf(err) != "" {
		return err
	}
	return model.NewError(model.KindNetworkFailure, "autosave "+string(field), err)
}

// PatchFor builds the partial update that persists value into field.
func PatchFor(field Field, value any) (model.ArtifactPatch, error) {
	value, err := normalizeValue(field, value)
	if err != nil {
		return model.ArtifactPatch{}, err
	}
	var p model.ArtifactPatch
	switch field {
	case FieldContent:
		s := value.(string)
		p.Content = &s
	case FieldTone:
		t := value.(model.Tone)
		p.Tone = &t
	case FieldTags:
		tags := value.([]string)
		p.Tags = &tags
	}
	return p, nil
}

func normalizeValue(field Field, value any) (any, error) {
	switch field {
	case FieldContent:
		if s, ok := value.(string); ok {
			return s, nil
		}
	case FieldTone:
		var t model.Tone
		switch v := value.(type) {
		case model.Tone:
			t = v
		case string:
			t = model.Tone(v)
		}
		if t.Valid() {
			return t, nil
		}
		return nil, fmt.Errorf("autosave: invalid tone %v", value)
	case FieldTags:
		if tags, ok := value.([]string); ok {
			return model.NormalizeTags(tags), nil
		}
	default:
		return nil, fmt.Errorf("autosave: unknown field %q", field)
	}
	return nil, fmt.Errorf("autosave: %T is not a valid %s value", value, field)
}

func apply(a *model.Artifact, field Field, value any) {
	switch field {
	case FieldContent:
		s := value.(string)
		a.Content = &s
	case FieldTone:
		a.Tone = value.(model.Tone)
	case FieldTags:
		a.Tags = append([]string(nil), value.([]string)...)
	}
}

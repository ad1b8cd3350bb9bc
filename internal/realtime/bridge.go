// Package realtime turns push notifications about an artifact into cache
// invalidations. The push channel only makes updates arrive sooner: when it
// fails the bridge marks itself degraded and polling carries on alone.
package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/yangwenmai/draftsync/internal/model"
)

// Event names on the socket.io channel.
const (
	SubscribeEvent   = "artifact:subscribe"
	UnsubscribeEvent = "artifact:unsubscribe"
	UpdateEvent      = "artifact:update"
)

// Change event types.
const (
	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
	ChangeDelete = "DELETE"
)

// ChangeEvent is a row-level change notification for one artifact. Old may
// be missing when the publisher did not know the previous row.
type ChangeEvent struct {
	Type       string          `json:"type"`
	ArtifactID string          `json:"artifactId"`
	Old        *model.Artifact `json:"old,omitempty"`
	New        *model.Artifact `json:"new,omitempty"`
}

// NewChangeEvent builds the event for a write from old to new. A nil old
// is an insert and a nil new a delete.
func NewChangeEvent(old, new *model.Artifact) ChangeEvent {
	ev := ChangeEvent{Type: ChangeUpdate, Old: old, New: new}
	switch {
	case old == nil:
		ev.Type = ChangeInsert
	case new == nil:
		ev.Type = ChangeDelete
	}
	if new != nil {
		ev.ArtifactID = new.ID
	} else if old != nil {
		ev.ArtifactID = old.ID
	}
	return ev
}

// Subscription is a live channel subscription.
type Subscription interface {
	Close() error
}

// Channel delivers change events for one artifact. onError reports transport
// failures; the channel may keep reconnecting after reporting one.
type Channel interface {
	Subscribe(ctx context.Context, artifactID string, onEvent func(ChangeEvent), onError func(error)) (Subscription, error)
}

// Invalidator is told which caches a change made stale. hint carries the
// pushed record when the event had one.
type Invalidator interface {
	InvalidateArtifact(hint *model.Artifact)
	InvalidateResearch()
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithOnDegraded registers a callback fired whenever the degraded flag flips.
func WithOnDegraded(fn func(degraded bool)) Option {
	return func(b *Bridge) { b.onDegraded = fn }
}

// Bridge subscribes to one artifact's channel for its lifetime.
type Bridge struct {
	channel    Channel
	artifactID string
	inv        Invalidator
	logger     *slog.Logger
	onDegraded func(bool)

	mu         sync.Mutex
	sub        Subscription
	lastStatus model.Status
	degraded   bool
	closed     bool
	cancel     context.CancelFunc
}

// NewBridge creates an idle bridge. A nil channel yields a bridge that is
// degraded from the start.
func NewBridge(ch Channel, artifactID string, inv Invalidator, opts ...Option) *Bridge {
	b := &Bridge{
		channel:    ch,
		artifactID: artifactID,
		inv:        inv,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With("artifact_id", artifactID)
	return b
}

// SeedStatus records the status the caller already knows, used to detect
// status changes in events that lack the old row.
func (b *Bridge) SeedStatus(s model.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastStatus == "" {
		b.lastStatus = s
	}
}

// Start subscribes in the background and returns immediately.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	if b.closed || b.cancel != nil {
		b.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()

	if b.channel == nil {
		b.degrade(model.Errorf(model.KindChannelDegraded, "subscribe", "no push channel configured"))
		return
	}
	go b.subscribe(ctx)
}

func (b *Bridge) subscribe(ctx context.Context) {
	sub, err := b.channel.Subscribe(ctx, b.artifactID, b.handle, b.degrade)
	if err != nil {
		b.degrade(err)
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = sub.Close()
		return
	}
	b.sub = sub
	b.mu.Unlock()
	b.logger.Debug("realtime subscription established")
}

// Degraded reports whether the push channel is currently unusable.
func (b *Bridge) Degraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degraded
}

// Close unsubscribes. Events that arrive afterwards are ignored.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	sub := b.sub
	b.sub = nil
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		if err := sub.Close(); err != nil {
			b.logger.Debug("realtime unsubscribe failed", "error", err)
		}
	}
}

func (b *Bridge) handle(ev ChangeEvent) {
	if ev.ArtifactID != "" && ev.ArtifactID != b.artifactID {
		return
	}
	if ev.ArtifactID == "" && ev.New != nil && ev.New.ID != b.artifactID {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	recovered := b.degraded
	b.degraded = false

	oldStatus := b.lastStatus
	if ev.Old != nil && ev.Old.Status != "" {
		oldStatus = ev.Old.Status
	}
	var newStatus model.Status
	if ev.New != nil {
		newStatus = ev.New.Status
		b.lastStatus = newStatus
	}
	b.mu.Unlock()

	if recovered {
		b.logger.Info("realtime channel recovered")
		b.notifyDegraded(false)
	}

	b.inv.InvalidateArtifact(ev.New)
	if newStatus != "" && oldStatus != "" && oldStatus != newStatus {
		b.logger.Debug("status changed, invalidating research",
			"from", oldStatus, "to", newStatus)
		b.inv.InvalidateResearch()
	}
}

func (b *Bridge) degrade(err error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	was := b.degraded
	b.degraded = true
	b.mu.Unlock()

	if model.KindOf(err) != model.KindChannelDegraded {
		err = model.NewError(model.KindChannelDegraded, "realtime "+b.artifactID, err)
	}
	b.logger.Warn("realtime channel degraded, relying on polling", "error", err)
	if !was {
		b.notifyDegraded(true)
	}
}

func (b *Bridge) notifyDegraded(d bool) {
	if b.onDegraded != nil {
		b.onDegraded(d)
	}
}

// Package polling decides how often an artifact must be refetched and runs
// the timer that does it.
package polling

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/yangwenmai/draftsync/internal/model"
	"github.com/yangwenmai/draftsync/internal/pipeline"
)

// Poll intervals.
const (
	ProcessingInterval          = 2 * time.Second
	GenerationRequestedInterval = 3 * time.Second
	CatchUpInterval             = 2 * time.Second
)

// NextInterval returns the refetch interval for a, or false when polling
// should stop. generationRequested is set by the caller between asking for
// draft → research and seeing the backend confirm it.
func NextInterval(a *model.Artifact, generationRequested bool) (time.Duration, bool) {
	if a == nil {
		return 0, false
	}
	switch {
	case pipeline.IsProcessing(a.Status):
		return ProcessingInterval, true
	case a.Status == model.StatusDraft && generationRequested:
		return GenerationRequestedInterval, true
	case a.Status == model.StatusReady && !a.HasContent():
		return CatchUpInterval, true
	}
	return 0, false
}

// Loop calls tick every interval until rescheduled off or stopped. Ticks run
// on their own goroutine and may overlap when tick is slow.
type Loop struct {
	mu       sync.Mutex
	clock    clock.Clock
	tick     func()
	timer    *clock.Timer
	interval time.Duration
	gen      uint64
	stopped  bool
}

// NewLoop creates an idle loop. A nil clock means the wall clock.
func NewLoop(c clock.Clock, tick func()) *Loop {
	if c == nil {
		c = clock.New()
	}
	return &Loop{clock: c, tick: tick}
}

// Reschedule applies the result of NextInterval. An unchanged interval keeps
// the running timer so frequent state changes do not postpone the next tick.
func (l *Loop) Reschedule(d time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	if !ok || d <= 0 {
		l.disarmLocked()
		return
	}
	if l.timer != nil && l.interval == d {
		return
	}
	l.disarmLocked()
	l.interval = d
	l.armLocked()
}

// Interval reports the active interval, or false when idle.
func (l *Loop) Interval() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval, l.timer != nil
}

// Stop cancels the timer for good.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	l.disarmLocked()
}

func (l *Loop) armLocked() {
	l.gen++
	gen := l.gen
	l.timer = l.clock.AfterFunc(l.interval, func() { l.fire(gen) })
}

func (l *Loop) disarmLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.interval = 0
	l.gen++
}

func (l *Loop) fire(gen uint64) {
	l.mu.Lock()
	if l.stopped || gen != l.gen {
		l.mu.Unlock()
		return
	}
	l.armLocked()
	l.mu.Unlock()

	l.tick()
}

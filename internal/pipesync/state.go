package pipesync

import (
	"github.com/yangwenmai/draftsync/internal/approval"
	"github.com/yangwenmai/draftsync/internal/model"
	"github.com/yangwenmai/draftsync/internal/pipeline"
)

// State is what subscribers see. It is a deep copy and safe to keep.
type State struct {
	Artifact *model.Artifact     `json:"artifact" yaml:"artifact"`
	Research []model.ResearchItem `json:"research" yaml:"research"`
	// Processing is true while the backend owns the artifact; UIs lock
	// editing affordances on it.
	Processing          bool                                 `json:"processing" yaml:"processing"`
	GenerationRequested bool                                 `json:"generationRequested" yaml:"generationRequested"`
	PendingEdits        bool                                 `json:"pendingEdits" yaml:"pendingEdits"`
	Foundations         approval.Snapshot[string]            `json:"foundations" yaml:"foundations"`
	Images              approval.Snapshot[[]model.ImageNeed] `json:"images" yaml:"images"`
	RegenerationsLeft   map[string]int                       `json:"regenerationsLeft" yaml:"regenerationsLeft"`
	ChannelDegraded     bool                                 `json:"channelDegraded" yaml:"channelDegraded"`
	LastError           error                                `json:"-" yaml:"-"`
}

// State returns the current merged state.
func (e *Engine) State() State {
	e.mu.Lock()
	server := e.server.Clone()
	st := State{
		Research:            append([]model.ResearchItem(nil), e.research...),
		GenerationRequested: e.generationRequested,
		ChannelDegraded:     e.degraded,
		LastError:           e.lastErr,
	}
	e.mu.Unlock()

	st.Artifact = e.coord.Overlay(server)
	st.PendingEdits = e.coord.HasPending()
	st.Foundations = e.foundations.Snapshot()
	st.Images = e.images.Snapshot()
	st.RegenerationsLeft = make(map[string]int)
	if server != nil {
		st.Processing = pipeline.IsProcessing(server.Status)
		for _, n := range server.Visuals.Needs {
			st.RegenerationsLeft[n.ID] = e.budget.Remaining(n.ID)
		}
	}
	return st
}

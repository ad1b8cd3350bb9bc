// Package pipeline encodes the legal artifact pipeline graph.
//
// The pipeline is a linear chain
//
//	draft → research → foundations → foundations_approval → writing →
//	humanity_checking → creating_visuals → ready → published
//
// with one retrograde edge, published → ready, used to re-open a published
// artifact for edits. Every other pair, including self-transitions, is illegal.
package pipeline

import (
	"fmt"
	"slices"

	"github.com/yangwenmai/draftsync/internal/model"
)

// edges maps each stage to the stages it may move to.
var edges = map[model.Status][]model.Status{
	model.StatusDraft:               {model.StatusResearch},
	model.StatusResearch:            {model.StatusFoundations},
	model.StatusFoundations:         {model.StatusFoundationsApproval},
	model.StatusFoundationsApproval: {model.StatusWriting},
	model.StatusWriting:             {model.StatusHumanityChecking},
	model.StatusHumanityChecking:    {model.StatusCreatingVisuals},
	model.StatusCreatingVisuals:     {model.StatusReady},
	model.StatusReady:               {model.StatusPublished},
	model.StatusPublished:           {model.StatusReady},
}

// IsLegalTransition reports whether from → to is an edge of the graph.
func IsLegalTransition(from, to model.Status) bool {
	return slices.Contains(edges[from], to)
}

// AllowedNext returns the stages reachable from from in one step.
// The returned slice is a copy and safe to modify.
func AllowedNext(from model.Status) []model.Status {
	return slices.Clone(edges[from])
}

// ValidateTransition returns an InvalidTransition error if from → to is not
// an edge of the graph.
func ValidateTransition(from, to model.Status) error {
	if IsLegalTransition(from, to) {
		return nil
	}
	return model.NewError(model.KindInvalidTransition, "transition",
		fmt.Errorf("%s → %s is not allowed", from, to))
}

// Next returns the forward successor of s. published has none; its only
// edge is the retrograde one.
func Next(s model.Status) (model.Status, bool) {
	if s == model.StatusPublished {
		return "", false
	}
	next := edges[s]
	if len(next) == 0 {
		return "", false
	}
	return next[0], true
}

// IsRetrograde reports whether from → to is the re-open edge.
func IsRetrograde(from, to model.Status) bool {
	return from == model.StatusPublished && to == model.StatusReady
}

// IsProcessing reports whether the backend is actively working on a stage.
// Editing affordances are locked while processing.
func IsProcessing(s model.Status) bool {
	switch s {
	case model.StatusResearch, model.StatusFoundations, model.StatusWriting,
		model.StatusHumanityChecking, model.StatusCreatingVisuals:
		return true
	}
	return false
}

// IsApprovalGated reports whether leaving s requires an explicit approval.
func IsApprovalGated(s model.Status) bool {
	return s == model.StatusFoundationsApproval
}

// IsGenerationOwned reports whether content is being written by the backend
// at stage s, so the authoritative copy wins over local edits.
func IsGenerationOwned(s model.Status) bool {
	switch s {
	case model.StatusWriting, model.StatusHumanityChecking, model.StatusCreatingVisuals:
		return true
	}
	return false
}

// ParseStatus converts a string to a known Status.
func ParseStatus(s string) (model.Status, error) {
	st := model.Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/yangwenmai/draftsync/internal/model"
	"github.com/yangwenmai/draftsync/internal/pipeline"
	"github.com/yangwenmai/draftsync/internal/store"
)

// ---------------------------------------------------------------------------
// GET /api/artifacts
// ---------------------------------------------------------------------------

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	var filter store.ArtifactFilter
	for _, raw := range splitComma(r.URL.Query().Get("status")) {
		st, err := pipeline.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = append(filter.Status, st)
	}
	if t := model.ArtifactType(r.URL.Query().Get("type")); t != "" {
		if !t.Valid() {
			writeError(w, http.StatusBadRequest, "unknown type")
			return
		}
		filter.Type = t
	}

	artifacts, err := s.store.ListArtifacts(r.Context(), filter)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if artifacts == nil {
		artifacts = []model.Artifact{}
	}
	writeJSON(w, http.StatusOK, artifacts)
}

// ---------------------------------------------------------------------------
// POST /api/artifacts
// ---------------------------------------------------------------------------

func (s *Server) handleCreateArtifact(w http.ResponseWriter, r *http.Request) {
	var req model.CreateArtifactRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !req.Type.Valid() {
		writeError(w, http.StatusBadRequest, "type must be social_post, blog or showcase")
		return
	}
	if req.Tone == "" {
		req.Tone = model.ToneProfessional
	}
	if !req.Tone.Valid() {
		writeError(w, http.StatusBadRequest, "unknown tone")
		return
	}
	if m := req.Metadata.Meta; m != nil && m.ArtifactType() != req.Type {
		writeError(w, http.StatusBadRequest, "metadata type does not match artifact type")
		return
	}

	a := model.NewArtifact(uuid.New().String(), req.Type, req.Tone, req.Tags)
	if req.Metadata.Meta != nil {
		a.Metadata = req.Metadata
	}
	if req.Content != nil {
		a.Content = model.StringPtr(*req.Content)
	}

	ch, err := s.store.CreateArtifact(r.Context(), a)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch.New)
}

// ---------------------------------------------------------------------------
// GET|PATCH|DELETE /api/artifacts/{id}
// ---------------------------------------------------------------------------

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetArtifact(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handlePatchArtifact(w http.ResponseWriter, r *http.Request) {
	var patch model.ArtifactPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	if patch.Empty() {
		writeError(w, http.StatusBadRequest, "patch changes nothing")
		return
	}
	if patch.Tone != nil && !patch.Tone.Valid() {
		writeError(w, http.StatusBadRequest, "unknown tone")
		return
	}
	if patch.Status != nil && !patch.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	ch, err := s.store.ApplyPatch(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if ch.Old.Status != ch.New.Status {
		s.logger.Info("artifact moved", "artifact_id", ch.New.ID, "from", ch.Old.Status, "to", ch.New.Status)
	}
	writeJSON(w, http.StatusOK, ch.New)
}

func (s *Server) handleDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteArtifact(r.Context(), r.PathValue("id")); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// POST /api/artifacts/{id}/approve-foundations
// ---------------------------------------------------------------------------

func (s *Server) handleApproveFoundations(w http.ResponseWriter, r *http.Request) {
	var req model.ApproveFoundationsRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	ch, err := s.store.ApproveFoundations(r.Context(), r.PathValue("id"), req.Skeleton)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.ApproveFoundationsResponse{Success: true, NewStatus: ch.New.Status})
}

// ---------------------------------------------------------------------------
// /api/artifacts/{id}/research
// ---------------------------------------------------------------------------

func (s *Server) handleListResearch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetArtifact(r.Context(), id); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	items, err := s.store.ListResearch(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleAddResearch(w http.ResponseWriter, r *http.Request) {
	var in model.ResearchInput
	if !decodeBody(w, r, &in) {
		return
	}
	in.SourceURL = strings.TrimSpace(in.SourceURL)
	if u, err := url.Parse(in.SourceURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "sourceUrl must be an http(s) URL")
		return
	}

	item := model.NewResearchItem(uuid.New().String(), r.PathValue("id"), in.SourceURL, in.Title)
	item.Excerpt = in.Excerpt
	if err := s.store.AddResearch(r.Context(), item); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleDeleteResearch(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteResearch(r.Context(), r.PathValue("id"), r.PathValue("rid")); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// /api/artifacts/{id}/images
// ---------------------------------------------------------------------------

func (s *Server) handleApproveImages(w http.ResponseWriter, r *http.Request) {
	var req model.ApproveImagesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	for _, d := range req.Needs {
		if d.ID == "" {
			writeError(w, http.StatusBadRequest, "every need requires an id")
			return
		}
	}
	ch, err := s.store.SetImageDecisions(r.Context(), r.PathValue("id"), req.Needs)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch.New)
}

func (s *Server) handleGenerateImages(w http.ResponseWriter, r *http.Request) {
	a, err := s.images.GenerateApproved(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleRegenerateImage(w http.ResponseWriter, r *http.Request) {
	var req model.RegenerateImageRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	img, a, err := s.images.Regenerate(r.Context(), r.PathValue("id"), r.PathValue("imageId"), req.Description)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.RegenerateImageResponse{Image: img, Artifact: a})
}

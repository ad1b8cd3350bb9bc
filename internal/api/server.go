package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/yangwenmai/draftsync/internal/model"
	"github.com/yangwenmai/draftsync/internal/store"
)

// maxRequestBody is the maximum allowed request body size (1 MB).
const maxRequestBody int64 = 1 << 20

// ImageService generates and regenerates artifact images.
type ImageService interface {
	GenerateApproved(ctx context.Context, id string) (*model.Artifact, error)
	Regenerate(ctx context.Context, id, imageID, description string) (model.FinalImage, *model.Artifact, error)
}

// Server holds the HTTP handlers and dependencies.
type Server struct {
	store  store.ArtifactRepository
	images ImageService
	hub    *Hub
	origin string
	logger *slog.Logger
	mux    *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithHub mounts the socket.io hub at /socket.io/.
func WithHub(h *Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithCORSOrigin sets the allowed origin. Defaults to "*" for development.
func WithCORSOrigin(origin string) Option {
	return func(s *Server) {
		if origin != "" {
			s.origin = origin
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a new API server.
func New(s store.ArtifactRepository, images ImageService, opts ...Option) *Server {
	srv := &Server{store: s, images: images, origin: "*", logger: slog.Default(), mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(srv)
	}
	srv.routes()
	return srv
}

// Handler returns the root http.Handler with middleware applied. The
// socket.io endpoint bypasses the JSON middleware.
func (s *Server) Handler() http.Handler {
	api := corsMiddleware(s.origin, limitBody(jsonContent(s.mux)))
	if s.hub == nil {
		return api
	}
	root := http.NewServeMux()
	root.Handle("/socket.io/", s.hub.Handler())
	root.Handle("/", api)
	return root
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/artifacts", s.handleListArtifacts)
	s.mux.HandleFunc("POST /api/artifacts", s.handleCreateArtifact)
	s.mux.HandleFunc("GET /api/artifacts/{id}", s.handleGetArtifact)
	s.mux.HandleFunc("PATCH /api/artifacts/{id}", s.handlePatchArtifact)
	s.mux.HandleFunc("DELETE /api/artifacts/{id}", s.handleDeleteArtifact)
	s.mux.HandleFunc("POST /api/artifacts/{id}/approve-foundations", s.handleApproveFoundations)
	s.mux.HandleFunc("GET /api/artifacts/{id}/research", s.handleListResearch)
	s.mux.HandleFunc("POST /api/artifacts/{id}/research", s.handleAddResearch)
	s.mux.HandleFunc("DELETE /api/artifacts/{id}/research/{rid}", s.handleDeleteResearch)
	s.mux.HandleFunc("POST /api/artifacts/{id}/images/approve", s.handleApproveImages)
	s.mux.HandleFunc("POST /api/artifacts/{id}/images/generate", s.handleGenerateImages)
	s.mux.HandleFunc("POST /api/artifacts/{id}/images/{imageId}/regenerate", s.handleRegenerateImage)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func corsMiddleware(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitBody restricts the request body to maxRequestBody bytes.
func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		next.ServeHTTP(w, r)
	})
}

func jsonContent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}

// writeFailure maps a typed error onto a status code. Untyped errors are
// logged and reported as 500 without detail.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	kind := model.KindOf(err)
	var status int
	switch kind {
	case model.KindNotFound:
		status = http.StatusNotFound
	case model.KindConflict, model.KindBudgetExhausted, model.KindStaleWrite:
		status = http.StatusConflict
	case model.KindInvalidTransition:
		status = http.StatusUnprocessableEntity
	case model.KindNetworkFailure:
		status = http.StatusBadGateway
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, status, model.ErrorResponse{Error: err.Error(), Kind: kind})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

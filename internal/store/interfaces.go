package store

import (
	"context"

	"github.com/yangwenmai/draftsync/internal/model"
)

// ArtifactFilter narrows ListArtifacts.
type ArtifactFilter struct {
	Status []model.Status
	Type   model.ArtifactType
}

// Change is the before and after of one write. Old is nil for an insert.
type Change struct {
	Old *model.Artifact
	New *model.Artifact
}

// ArtifactReader provides read access to artifacts.
type ArtifactReader interface {
	GetArtifact(ctx context.Context, id string) (*model.Artifact, error)
	ListArtifacts(ctx context.Context, f ArtifactFilter) ([]model.Artifact, error)
}

// ArtifactWriter provides write access to artifacts. Every write assigns a
// new, strictly greater updatedAt.
type ArtifactWriter interface {
	CreateArtifact(ctx context.Context, a model.Artifact) (Change, error)
	ApplyPatch(ctx context.Context, id string, p model.ArtifactPatch) (Change, error)
	ApproveFoundations(ctx context.Context, id string, skeleton *string) (Change, error)
	SetImageDecisions(ctx context.Context, id string, decisions []model.ImageDecision) (Change, error)
	AddImage(ctx context.Context, id string, img model.FinalImage) (Change, error)
	UpdateArtifact(ctx context.Context, id string, fn func(a *model.Artifact) error) (Change, error)
	DeleteArtifact(ctx context.Context, id string) error
}

// ArtifactClaimer hands processing artifacts to background workers.
type ArtifactClaimer interface {
	ClaimNextProcessing(ctx context.Context) (*model.Artifact, error)
	ReleaseClaim(ctx context.Context, id string) error
	ResetStaleClaims(ctx context.Context) (int64, error)
}

// ResearchStore provides access to research items.
type ResearchStore interface {
	ListResearch(ctx context.Context, artifactID string) ([]model.ResearchItem, error)
	AddResearch(ctx context.Context, item model.ResearchItem) error
	UpdateResearchExcerpt(ctx context.Context, id, title, excerpt string) error
	DeleteResearch(ctx context.Context, artifactID, id string) error
}

// ArtifactRepository combines the operations the API layer needs.
type ArtifactRepository interface {
	ArtifactReader
	ArtifactWriter
	ResearchStore
}

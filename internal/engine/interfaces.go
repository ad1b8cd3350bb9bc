package engine

import (
	"context"

	"github.com/yangwenmai/draftsync/internal/model"
	"github.com/yangwenmai/draftsync/internal/store"
)

// ModelClient abstracts LLM calls. Implementations can wrap OpenAI, local models, etc.
type ModelClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ContentExtractor abstracts web content extraction.
type ContentExtractor interface {
	Extract(ctx context.Context, url string) (*ExtractedContent, error)
}

// ImageGenerator turns a prompt into a hosted image URL.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// ArtifactUpdater is the store surface the generation steps write through.
type ArtifactUpdater interface {
	UpdateArtifact(ctx context.Context, id string, fn func(a *model.Artifact) error) (store.Change, error)
}

// ResearchUpdater stores extraction results on research items.
type ResearchUpdater interface {
	UpdateResearchExcerpt(ctx context.Context, id, title, excerpt string) error
}

// ImageStore is the store surface used by Imager.
type ImageStore interface {
	ArtifactUpdater
	GetArtifact(ctx context.Context, id string) (*model.Artifact, error)
	AddImage(ctx context.Context, id string, img model.FinalImage) (store.Change, error)
}

// ExtractedContent holds the result of content extraction.
type ExtractedContent struct {
	Title          string      `json:"title"`
	NormalizedText string      `json:"normalized_text"`
	Meta           ContentMeta `json:"content_meta"`
}

// ContentMeta holds metadata about the extracted content.
type ContentMeta struct {
	Author      string `json:"author,omitempty"`
	PublishDate string `json:"publish_date,omitempty"`
	WordCount   int    `json:"word_count"`
}

// FoundationsResult is the structured output of the foundations step.
type FoundationsResult struct {
	Skeleton string   `json:"skeleton"`
	Keywords []string `json:"keywords"`
}

// DraftResult is the structured output of the writing and humanity steps.
type DraftResult struct {
	Content string `json:"content"`
}

// VisualNeedsResult is the structured output of the visual-needs step.
type VisualNeedsResult struct {
	Needs []struct {
		Description string `json:"description"`
		Purpose     string `json:"purpose"`
		Style       string `json:"style"`
	} `json:"needs"`
}

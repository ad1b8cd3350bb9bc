package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/yangwenmai/draftsync/internal/model"
)

// Compile-time checks.
var (
	_ Step = (*ResearchStep)(nil)
	_ Step = (*FoundationsStep)(nil)
	_ Step = (*WritingStep)(nil)
	_ Step = (*HumanityStep)(nil)
	_ Step = (*VisualNeedsStep)(nil)
)

// ---------------------------------------------------------------------------
// research: extract readable text from every source still lacking an excerpt
// ---------------------------------------------------------------------------

// ResearchStep fills in research excerpts. A source that cannot be fetched
// is logged and skipped.
type ResearchStep struct {
	Extractor ContentExtractor
	Research  ResearchUpdater
	Logger    *slog.Logger
}

func (s *ResearchStep) Name() string        { return "research" }
func (s *ResearchStep) Stage() model.Status { return model.StatusResearch }

func (s *ResearchStep) Run(ctx context.Context, sc *StepContext) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for i := range sc.Research {
		r := &sc.Research[i]
		if r.Excerpt != "" {
			continue
		}
		content, err := s.Extractor.Extract(ctx, r.SourceURL)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("research source skipped", "artifact_id", sc.Artifact.ID, "url", r.SourceURL, "error", err)
			continue
		}
		title := r.Title
		if title == "" {
			title = content.Title
		}
		excerpt := truncateRunes(content.NormalizedText, excerptRunes)
		if err := s.Research.UpdateResearchExcerpt(ctx, r.ID, title, excerpt); err != nil {
			return fmt.Errorf("store excerpt: %w", err)
		}
		r.Title, r.Excerpt = title, excerpt
	}
	return nil
}

// ---------------------------------------------------------------------------
// foundations: outline plus type-specific keywords
// ---------------------------------------------------------------------------

// FoundationsStep drafts the skeleton the user approves at the gate.
type FoundationsStep struct {
	Model     ModelClient
	Artifacts ArtifactUpdater
}

func (s *FoundationsStep) Name() string        { return "foundations" }
func (s *FoundationsStep) Stage() model.Status { return model.StatusFoundations }

func (s *FoundationsStep) Run(ctx context.Context, sc *StepContext) error {
	var result FoundationsResult
	if err := completeJSON(ctx, s.Model, buildFoundationsPrompt(sc.Artifact, sc.Research), &result); err != nil {
		return err
	}
	if strings.TrimSpace(result.Skeleton) == "" {
		return fmt.Errorf("model returned an empty skeleton")
	}
	return writeStage(ctx, s.Artifacts, sc, func(a *model.Artifact) {
		a.Skeleton = model.StringPtr(result.Skeleton)
		applyKeywords(a.Metadata.Meta, result.Keywords)
	})
}

// ---------------------------------------------------------------------------
// writing: full draft from the approved skeleton
// ---------------------------------------------------------------------------

// WritingStep writes the content from the approved skeleton.
type WritingStep struct {
	Model     ModelClient
	Artifacts ArtifactUpdater
}

func (s *WritingStep) Name() string        { return "writing" }
func (s *WritingStep) Stage() model.Status { return model.StatusWriting }

func (s *WritingStep) Run(ctx context.Context, sc *StepContext) error {
	var result DraftResult
	if err := completeJSON(ctx, s.Model, buildWritingPrompt(sc.Artifact, sc.Research), &result); err != nil {
		return err
	}
	return writeContent(ctx, s.Artifacts, sc, result.Content)
}

// ---------------------------------------------------------------------------
// humanity_checking: editorial pass on the draft
// ---------------------------------------------------------------------------

// HumanityStep rewrites the draft so it reads as written by a person.
type HumanityStep struct {
	Model     ModelClient
	Artifacts ArtifactUpdater
}

func (s *HumanityStep) Name() string        { return "humanity" }
func (s *HumanityStep) Stage() model.Status { return model.StatusHumanityChecking }

func (s *HumanityStep) Run(ctx context.Context, sc *StepContext) error {
	if !sc.Artifact.HasContent() {
		return fmt.Errorf("nothing to edit")
	}
	var result DraftResult
	if err := completeJSON(ctx, s.Model, buildHumanityPrompt(sc.Artifact), &result); err != nil {
		return err
	}
	return writeContent(ctx, s.Artifacts, sc, result.Content)
}

// ---------------------------------------------------------------------------
// creating_visuals: identify image needs, then wait for the user
// ---------------------------------------------------------------------------

// VisualNeedsStep proposes image needs. The stage is always held: images
// are generated and the stage left once the user approves the needs.
type VisualNeedsStep struct {
	Model     ModelClient
	Artifacts ArtifactUpdater
}

func (s *VisualNeedsStep) Name() string        { return "visual_needs" }
func (s *VisualNeedsStep) Stage() model.Status { return model.StatusCreatingVisuals }

func (s *VisualNeedsStep) Run(ctx context.Context, sc *StepContext) error {
	sc.Hold = true
	if len(sc.Artifact.Visuals.Needs) > 0 {
		return nil
	}
	var result VisualNeedsResult
	if err := completeJSON(ctx, s.Model, buildVisualNeedsPrompt(sc.Artifact), &result); err != nil {
		return err
	}
	needs := make([]model.ImageNeed, 0, len(result.Needs))
	for _, n := range result.Needs {
		if strings.TrimSpace(n.Description) == "" {
			continue
		}
		needs = append(needs, model.ImageNeed{
			ID:          uuid.New().String(),
			Description: n.Description,
			Purpose:     n.Purpose,
			Style:       n.Style,
		})
	}
	if len(needs) == 0 {
		return fmt.Errorf("model proposed no image needs")
	}
	return writeStage(ctx, s.Artifacts, sc, func(a *model.Artifact) {
		if len(a.Visuals.Needs) == 0 {
			a.Visuals.Needs = needs
		}
	})
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

const excerptRunes = 2000

func completeJSON(ctx context.Context, mc ModelClient, prompt string, v any) error {
	raw, err := mc.Complete(ctx, prompt)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), v); err != nil {
		return fmt.Errorf("decode model output: %w", err)
	}
	return nil
}

// stripFences removes a ```json ... ``` wrapper some models add.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// writeStage applies fn to the stored artifact, refusing if the artifact
// left the step's stage while the model was working.
func writeStage(ctx context.Context, w ArtifactUpdater, sc *StepContext, fn func(a *model.Artifact)) error {
	stage := sc.Artifact.Status
	ch, err := w.UpdateArtifact(ctx, sc.Artifact.ID, func(a *model.Artifact) error {
		if a.Status != stage {
			return model.Errorf(model.KindConflict, "write "+string(stage), "artifact moved to %s", a.Status)
		}
		fn(a)
		return nil
	})
	if err != nil {
		return err
	}
	sc.Artifact = ch.New
	return nil
}

func writeContent(ctx context.Context, w ArtifactUpdater, sc *StepContext, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("model returned empty content")
	}
	return writeStage(ctx, w, sc, func(a *model.Artifact) {
		if m, ok := a.Metadata.Meta.(*model.SocialPostMeta); ok && m.CharacterLimit > 0 {
			content = clipRunes(content, m.CharacterLimit)
		}
		if m, ok := a.Metadata.Meta.(*model.BlogMeta); ok {
			m.ReadingMinutes = readingMinutes(content)
		}
		a.Content = model.StringPtr(content)
	})
}

func applyKeywords(meta model.Metadata, keywords []string) {
	switch m := meta.(type) {
	case *model.SocialPostMeta:
		for _, k := range keywords {
			m.Hashtags = append(m.Hashtags, "#"+strings.Join(strings.Fields(k), ""))
		}
	case *model.BlogMeta:
		if len(keywords) > 0 && m.Slug == "" {
			m.Slug = slugify(strings.Join(keywords, " "))
		}
	case *model.ShowcaseMeta:
		if len(m.Highlights) == 0 {
			m.Highlights = keywords
		}
	}
}

func readingMinutes(text string) int {
	const wordsPerMinute = 200
	words := len(strings.Fields(text))
	return (words + wordsPerMinute - 1) / wordsPerMinute
}

func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

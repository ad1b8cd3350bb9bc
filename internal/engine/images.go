package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/yangwenmai/draftsync/internal/model"
	"github.com/yangwenmai/draftsync/internal/retry"
)

// Imager generates images for approved needs and handles regeneration.
type Imager struct {
	Generator ImageGenerator
	Store     ImageStore
	Budget    retry.Budget
	Logger    *slog.Logger
}

// NewImager creates an Imager with the default regeneration limit.
func NewImager(gen ImageGenerator, s ImageStore, logger *slog.Logger) *Imager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Imager{Generator: gen, Store: s, Budget: retry.NewBudget(retry.ImageRegenerationLimit), Logger: logger}
}

// GenerateApproved creates an image for every approved need still lacking
// one. An artifact at creating_visuals then moves to ready.
func (im *Imager) GenerateApproved(ctx context.Context, id string) (*model.Artifact, error) {
	a, err := im.Store.GetArtifact(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != model.StatusCreatingVisuals && a.Status != model.StatusReady {
		return nil, model.Errorf(model.KindInvalidTransition, "generate images", "artifact is %s", a.Status)
	}
	for _, need := range a.Visuals.PendingGeneration() {
		if _, err := im.generate(ctx, a, need); err != nil {
			return nil, err
		}
	}
	ch, err := im.Store.UpdateArtifact(ctx, id, func(cur *model.Artifact) error {
		if cur.Status == model.StatusCreatingVisuals {
			cur.Status = model.StatusReady
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	im.Logger.Info("images generated", "artifact_id", id, "status", ch.New.Status)
	return ch.New, nil
}

// Regenerate replaces the image imageID with a new one for the same need,
// optionally with an edited description. It refuses with BudgetExhausted
// before calling the generator once the need reached its limit.
func (im *Imager) Regenerate(ctx context.Context, id, imageID, description string) (model.FinalImage, *model.Artifact, error) {
	a, err := im.Store.GetArtifact(ctx, id)
	if err != nil {
		return model.FinalImage{}, nil, err
	}
	var needID string
	for _, img := range a.Visuals.Images {
		if img.ID == imageID {
			needID = img.ImageNeedID
			break
		}
	}
	if needID == "" {
		return model.FinalImage{}, nil, model.Errorf(model.KindNotFound, "regenerate image", "image %q", imageID)
	}
	if _, err := im.Budget.TryConsume(a.Visuals.Attempts(needID)); err != nil {
		return model.FinalImage{}, nil, err
	}

	if description = strings.TrimSpace(description); description != "" {
		ch, err := im.Store.UpdateArtifact(ctx, id, func(cur *model.Artifact) error {
			for i := range cur.Visuals.Needs {
				if cur.Visuals.Needs[i].ID == needID {
					cur.Visuals.Needs[i].Description = description
				}
			}
			return nil
		})
		if err != nil {
			return model.FinalImage{}, nil, err
		}
		a = ch.New
	}

	need, _ := a.Visuals.Need(needID)
	next, err := im.generate(ctx, a, need)
	if err != nil {
		return model.FinalImage{}, nil, err
	}
	img, _ := next.Visuals.LatestImage(needID)
	im.Logger.Info("image regenerated", "artifact_id", id, "need_id", needID, "attempts", img.GenerationAttempts)
	return img, next, nil
}

func (im *Imager) generate(ctx context.Context, a *model.Artifact, need model.ImageNeed) (*model.Artifact, error) {
	url, err := im.Generator.GenerateImage(ctx, buildImagePrompt(need, a.Tone))
	if err != nil {
		return nil, &StepError{Step: "image", Err: model.NewError(model.KindNetworkFailure, "generate image for "+need.ID, err)}
	}
	ch, err := im.Store.AddImage(ctx, a.ID, model.FinalImage{
		ID:          uuid.New().String(),
		ImageNeedID: need.ID,
		URL:         url,
	})
	if err != nil {
		return nil, err
	}
	return ch.New, nil
}

package model

import (
	"slices"
	"time"
)

// ImageNeed is an AI-identified slot for an image.
type ImageNeed struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Purpose     string `json:"purpose"`
	Style       string `json:"style"`
	Approved    bool   `json:"approved"`
}

// FinalImage is a generated image bound to exactly one ImageNeed.
type FinalImage struct {
	ID                 string    `json:"id"`
	ImageNeedID        string    `json:"imageNeedId"`
	URL                string    `json:"url"`
	GenerationAttempts int       `json:"generationAttempts"`
	CreatedAt          time.Time `json:"createdAt"`
}

// VisualsMetadata holds the image-need list and the generated-image list.
type VisualsMetadata struct {
	Needs  []ImageNeed  `json:"needs"`
	Images []FinalImage `json:"images"`
}

// Need returns the need with the given id.
func (v VisualsMetadata) Need(id string) (ImageNeed, bool) {
	for _, n := range v.Needs {
		if n.ID == id {
			return n, true
		}
	}
	return ImageNeed{}, false
}

// LatestImage returns the image currently displayed for a need: the most
// recently created one. Older images are superseded but kept.
func (v VisualsMetadata) LatestImage(needID string) (FinalImage, bool) {
	var (
		latest FinalImage
		found  bool
	)
	for _, img := range v.Images {
		if img.ImageNeedID != needID {
			continue
		}
		if !found || img.GenerationAttempts > latest.GenerationAttempts ||
			(img.GenerationAttempts == latest.GenerationAttempts && img.CreatedAt.After(latest.CreatedAt)) {
			latest = img
			found = true
		}
	}
	return latest, found
}

// Attempts returns the generation attempts recorded for a need.
func (v VisualsMetadata) Attempts(needID string) int {
	n := 0
	for _, img := range v.Images {
		if img.ImageNeedID == needID && img.GenerationAttempts > n {
			n = img.GenerationAttempts
		}
	}
	return n
}

// PendingGeneration returns approved needs that have no image yet.
func (v VisualsMetadata) PendingGeneration() []ImageNeed {
	var out []ImageNeed
	for _, n := range v.Needs {
		if !n.Approved {
			continue
		}
		if _, ok := v.LatestImage(n.ID); !ok {
			out = append(out, n)
		}
	}
	return out
}

// Clone returns a deep copy of v.
func (v VisualsMetadata) Clone() VisualsMetadata {
	return VisualsMetadata{
		Needs:  slices.Clone(v.Needs),
		Images: slices.Clone(v.Images),
	}
}

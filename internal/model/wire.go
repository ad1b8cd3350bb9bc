package model

// Request and response bodies shared by the HTTP API and its client.

// CreateArtifactRequest is the body of POST /api/artifacts.
type CreateArtifactRequest struct {
	Type     ArtifactType `json:"type"`
	Tone     Tone         `json:"tone,omitempty"`
	Tags     []string     `json:"tags,omitempty"`
	Content  *string      `json:"content,omitempty"`
	Metadata MetaEnvelope `json:"metadata"`
}

// ApproveFoundationsRequest carries the optionally edited skeleton.
type ApproveFoundationsRequest struct {
	Skeleton *string `json:"skeleton,omitempty"`
}

// ApproveFoundationsResponse reports the stage the artifact moved to.
type ApproveFoundationsResponse struct {
	Success   bool   `json:"success"`
	NewStatus Status `json:"newStatus"`
}

// ImageDecision is the user's verdict on one image need.
type ImageDecision struct {
	ID          string  `json:"id"`
	Approved    bool    `json:"approved"`
	Description *string `json:"description,omitempty"`
}

// ApproveImagesRequest is the body of POST .../images/approve.
type ApproveImagesRequest struct {
	Needs []ImageDecision `json:"needs"`
}

// RegenerateImageRequest is the body of POST .../images/{imageId}/regenerate.
type RegenerateImageRequest struct {
	Description string `json:"description"`
}

// RegenerateImageResponse carries the superseding image and the updated record.
type RegenerateImageResponse struct {
	Image    FinalImage `json:"image"`
	Artifact *Artifact  `json:"artifact"`
}

// ResearchInput is the body of POST .../research.
type ResearchInput struct {
	SourceURL string `json:"sourceUrl"`
	Title     string `json:"title,omitempty"`
	Excerpt   string `json:"excerpt,omitempty"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  Kind   `json:"kind,omitempty"`
}

// DecisionsFromNeeds converts edited needs into approval decisions.
func DecisionsFromNeeds(needs []ImageNeed) []ImageDecision {
	out := make([]ImageDecision, 0, len(needs))
	for _, n := range needs {
		desc := n.Description
		out = append(out, ImageDecision{ID: n.ID, Approved: n.Approved, Description: &desc})
	}
	return out
}

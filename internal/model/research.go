package model

import "time"

// ResearchItem is a source gathered for an artifact during the research stage.
type ResearchItem struct {
	ID         string    `json:"id"`
	ArtifactID string    `json:"artifactId"`
	SourceURL  string    `json:"sourceUrl"`
	Title      string    `json:"title"`
	Excerpt    string    `json:"excerpt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// NewResearchItem creates a ResearchItem that has not been extracted yet.
func NewResearchItem(id, artifactID, sourceURL, title string) ResearchItem {
	return ResearchItem{
		ID:         id,
		ArtifactID: artifactID,
		SourceURL:  sourceURL,
		Title:      title,
		CreatedAt:  time.Now().UTC(),
	}
}

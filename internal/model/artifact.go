package model

import (
	"slices"
	"strings"
	"time"
)

// Status is a pipeline stage.
type Status string

// Pipeline stages, in pipeline order.
const (
	StatusDraft               Status = "draft"
	StatusResearch            Status = "research"
	StatusFoundations         Status = "foundations"
	StatusFoundationsApproval Status = "foundations_approval"
	StatusWriting             Status = "writing"
	StatusHumanityChecking    Status = "humanity_checking"
	StatusCreatingVisuals     Status = "creating_visuals"
	StatusReady               Status = "ready"
	StatusPublished           Status = "published"
)

// Statuses lists every pipeline stage in pipeline order.
var Statuses = []Status{
	StatusDraft,
	StatusResearch,
	StatusFoundations,
	StatusFoundationsApproval,
	StatusWriting,
	StatusHumanityChecking,
	StatusCreatingVisuals,
	StatusReady,
	StatusPublished,
}

// Valid reports whether s is a known stage.
func (s Status) Valid() bool {
	return slices.Contains(Statuses, s)
}

// ArtifactType discriminates the kind of content being authored.
type ArtifactType string

// Artifact type constants
const (
	TypeSocialPost ArtifactType = "social_post"
	TypeBlog       ArtifactType = "blog"
	TypeShowcase   ArtifactType = "showcase"
)

// Valid reports whether t is a known artifact type.
func (t ArtifactType) Valid() bool {
	switch t {
	case TypeSocialPost, TypeBlog, TypeShowcase:
		return true
	}
	return false
}

// Tone is the style setting of an artifact.
type Tone string

// Tone constants
const (
	ToneProfessional  Tone = "professional"
	ToneCasual        Tone = "casual"
	ToneFriendly      Tone = "friendly"
	ToneAuthoritative Tone = "authoritative"
	TonePlayful       Tone = "playful"
)

// Valid reports whether t is a known tone.
func (t Tone) Valid() bool {
	switch t {
	case ToneProfessional, ToneCasual, ToneFriendly, ToneAuthoritative, TonePlayful:
		return true
	}
	return false
}

// Artifact is a unit of authored content tracked through the generation pipeline.
type Artifact struct {
	ID        string          `json:"id"`
	Type      ArtifactType    `json:"type"`
	Status    Status          `json:"status"`
	Content   *string         `json:"content"`
	Skeleton  *string         `json:"skeleton"`
	Tone      Tone            `json:"tone"`
	Tags      []string        `json:"tags"`
	Visuals   VisualsMetadata `json:"visualsMetadata"`
	Metadata  MetaEnvelope    `json:"metadata"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// NewArtifact creates a draft Artifact.
func NewArtifact(id string, typ ArtifactType, tone Tone, tags []string) Artifact {
	return Artifact{
		ID:        id,
		Type:      typ,
		Status:    StatusDraft,
		Tone:      tone,
		Tags:      NormalizeTags(tags),
		Metadata:  MetaEnvelope{Meta: DefaultMetadata(typ)},
		UpdatedAt: time.Now().UTC(),
	}
}

// HasContent reports whether the pipeline has produced content.
func (a *Artifact) HasContent() bool {
	return a != nil && a.Content != nil && *a.Content != ""
}

// NewerThan reports whether a carries a strictly higher version than b.
// A nil b is older than everything.
func (a *Artifact) NewerThan(b *Artifact) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}

// Clone returns a deep copy of a.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	c := *a
	c.Content = cloneString(a.Content)
	c.Skeleton = cloneString(a.Skeleton)
	c.Tags = slices.Clone(a.Tags)
	c.Visuals = a.Visuals.Clone()
	c.Metadata = a.Metadata.Clone()
	return &c
}

// ArtifactPatch is a partial update. Nil fields are left unchanged.
type ArtifactPatch struct {
	Content *string   `json:"content,omitempty"`
	Tone    *Tone     `json:"tone,omitempty"`
	Tags    *[]string `json:"tags,omitempty"`
	Status  *Status   `json:"status,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p ArtifactPatch) Empty() bool {
	return p.Content == nil && p.Tone == nil && p.Tags == nil && p.Status == nil
}

// NormalizeTags trims, deduplicates and sorts tags. Tags are a set.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

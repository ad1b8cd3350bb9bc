package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// Metadata is the type-specific part of an artifact. Exactly one of
// SocialPostMeta, BlogMeta or ShowcaseMeta.
type Metadata interface {
	ArtifactType() ArtifactType
	clone() Metadata
}

// SocialPostMeta describes a social media post.
type SocialPostMeta struct {
	Platform       string   `json:"platform"`
	CharacterLimit int      `json:"characterLimit"`
	Hashtags       []string `json:"hashtags,omitempty"`
}

// BlogMeta describes a long-form blog article.
type BlogMeta struct {
	Slug           string `json:"slug"`
	SEOTitle       string `json:"seoTitle,omitempty"`
	SEODescription string `json:"seoDescription,omitempty"`
	ReadingMinutes int    `json:"readingMinutes,omitempty"`
}

// ShowcaseMeta describes a project showcase.
type ShowcaseMeta struct {
	ProjectName string   `json:"projectName"`
	RepoURL     string   `json:"repoUrl,omitempty"`
	Highlights  []string `json:"highlights,omitempty"`
}

func (m *SocialPostMeta) ArtifactType() ArtifactType { return TypeSocialPost }
func (m *BlogMeta) ArtifactType() ArtifactType       { return TypeBlog }
func (m *ShowcaseMeta) ArtifactType() ArtifactType   { return TypeShowcase }

func (m *SocialPostMeta) clone() Metadata {
	c := *m
	c.Hashtags = slices.Clone(m.Hashtags)
	return &c
}

func (m *BlogMeta) clone() Metadata {
	c := *m
	return &c
}

func (m *ShowcaseMeta) clone() Metadata {
	c := *m
	c.Highlights = slices.Clone(m.Highlights)
	return &c
}

// DefaultMetadata returns empty metadata for the given type, or nil for an
// unknown type.
func DefaultMetadata(t ArtifactType) Metadata {
	switch t {
	case TypeSocialPost:
		return &SocialPostMeta{Platform: "linkedin", CharacterLimit: 3000}
	case TypeBlog:
		return &BlogMeta{}
	case TypeShowcase:
		return &ShowcaseMeta{}
	}
	return nil
}

// MetaEnvelope carries Metadata on the wire as {"type": ..., "data": {...}}.
type MetaEnvelope struct {
	Meta Metadata
}

// Clone returns a deep copy of e.
func (e MetaEnvelope) Clone() MetaEnvelope {
	if e.Meta == nil {
		return e
	}
	return MetaEnvelope{Meta: e.Meta.clone()}
}

type metaWire struct {
	Type ArtifactType    `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON implements json.Marshaler.
func (e MetaEnvelope) MarshalJSON() ([]byte, error) {
	if e.Meta == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(e.Meta)
	if err != nil {
		return nil, err
	}
	return json.Marshal(metaWire{Type: e.Meta.ArtifactType(), Data: data})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *MetaEnvelope) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		e.Meta = nil
		return nil
	}
	var w metaWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	m := DefaultMetadata(w.Type)
	if m == nil {
		return fmt.Errorf("unknown metadata type %q", w.Type)
	}
	if len(w.Data) > 0 && !bytes.Equal(w.Data, []byte("null")) {
		if err := json.Unmarshal(w.Data, m); err != nil {
			return fmt.Errorf("decode %s metadata: %w", w.Type, err)
		}
	}
	e.Meta = m
	return nil
}

package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestNewArtifact(t *testing.T) {
	a := NewArtifact("a-1", TypeBlog, ToneCasual, []string{" go ", "sync", "go"})

	if a.Status != StatusDraft {
		t.Errorf("Status = %q, want %q", a.Status, StatusDraft)
	}
	if a.Content != nil {
		t.Error("Content should be nil for a new artifact")
	}
	if len(a.Tags) != 2 || a.Tags[0] != "go" || a.Tags[1] != "sync" {
		t.Errorf("Tags = %v, want [go sync]", a.Tags)
	}
	if _, ok := a.Metadata.Meta.(*BlogMeta); !ok {
		t.Errorf("Metadata = %T, want *BlogMeta", a.Metadata.Meta)
	}
	if a.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should not be zero")
	}
}

func TestArtifactNewerThan(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	older := &Artifact{UpdatedAt: base}
	newer := &Artifact{UpdatedAt: base.Add(time.Millisecond)}

	tests := []struct {
		name string
		a, b *Artifact
		want bool
	}{
		{"newer beats older", newer, older, true},
		{"older loses", older, newer, false},
		{"equal versions are not newer", older, &Artifact{UpdatedAt: base}, false},
		{"anything beats nil", older, nil, true},
		{"nil never wins", nil, older, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.NewerThan(tt.b); got != tt.want {
				t.Errorf("NewerThan = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestArtifactClone(t *testing.T) {
	a := NewArtifact("a-1", TypeShowcase, ToneFriendly, []string{"x"})
	a.Content = StringPtr("hello")
	a.Visuals.Needs = []ImageNeed{{ID: "n1"}}
	a.Metadata.Meta.(*ShowcaseMeta).Highlights = []string{"fast"}

	c := a.Clone()
	*c.Content = "changed"
	c.Tags[0] = "y"
	c.Visuals.Needs[0].Approved = true
	c.Metadata.Meta.(*ShowcaseMeta).Highlights[0] = "slow"

	if *a.Content != "hello" {
		t.Errorf("original Content mutated: %q", *a.Content)
	}
	if a.Tags[0] != "x" {
		t.Errorf("original Tags mutated: %v", a.Tags)
	}
	if a.Visuals.Needs[0].Approved {
		t.Error("original Visuals mutated")
	}
	if a.Metadata.Meta.(*ShowcaseMeta).Highlights[0] != "fast" {
		t.Error("original Metadata mutated")
	}
}

func TestMetaEnvelopeJSON(t *testing.T) {
	t.Run("social post", func(t *testing.T) {
		in := MetaEnvelope{Meta: &SocialPostMeta{Platform: "x", CharacterLimit: 280, Hashtags: []string{"#go"}}}
		b, err := json.Marshal(in)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		want := `{"type":"social_post","data":{"platform":"x","characterLimit":280,"hashtags":["#go"]}}`
		if string(b) != want {
			t.Errorf("Marshal = %s, want %s", b, want)
		}

		var out MetaEnvelope
		if err := json.Unmarshal(b, &out); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		m, ok := out.Meta.(*SocialPostMeta)
		if !ok {
			t.Fatalf("Meta = %T, want *SocialPostMeta", out.Meta)
		}
		if m.CharacterLimit != 280 {
			t.Errorf("CharacterLimit = %d, want 280", m.CharacterLimit)
		}
	})

	t.Run("unknown type rejected", func(t *testing.T) {
		var out MetaEnvelope
		if err := json.Unmarshal([]byte(`{"type":"podcast","data":{}}`), &out); err == nil {
			t.Error("expected error for unknown metadata type")
		}
	})

	t.Run("null", func(t *testing.T) {
		var out MetaEnvelope
		if err := json.Unmarshal([]byte(`null`), &out); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if out.Meta != nil {
			t.Errorf("Meta = %v, want nil", out.Meta)
		}
	})
}

func TestVisualsAttemptsAndLatest(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v := VisualsMetadata{
		Needs: []ImageNeed{
			{ID: "n1", Approved: true},
			{ID: "n2", Approved: true},
			{ID: "n3"},
		},
		Images: []FinalImage{
			{ID: "i1", ImageNeedID: "n1", GenerationAttempts: 1, CreatedAt: t0},
			{ID: "i2", ImageNeedID: "n1", GenerationAttempts: 2, CreatedAt: t0.Add(time.Minute)},
		},
	}

	if got := v.Attempts("n1"); got != 2 {
		t.Errorf("Attempts(n1) = %d, want 2", got)
	}
	if got := v.Attempts("n2"); got != 0 {
		t.Errorf("Attempts(n2) = %d, want 0", got)
	}
	img, ok := v.LatestImage("n1")
	if !ok || img.ID != "i2" {
		t.Errorf("LatestImage(n1) = %v, %v; want i2", img.ID, ok)
	}
	pending := v.PendingGeneration()
	if len(pending) != 1 || pending[0].ID != "n2" {
		t.Errorf("PendingGeneration = %v, want [n2]", pending)
	}
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("regenerate: %w", NewError(KindBudgetExhausted, "regenerate", nil))

	if !errors.Is(err, ErrBudgetExhausted) {
		t.Error("errors.Is should match the kind sentinel through wrapping")
	}
	if errors.Is(err, ErrNetworkFailure) {
		t.Error("errors.Is should not match another kind")
	}
	if got := KindOf(err); got != KindBudgetExhausted {
		t.Errorf("KindOf = %q, want %q", got, KindBudgetExhausted)
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("KindOf(plain error) should be empty")
	}

	inner := errors.New("connection refused")
	ne := NewError(KindNetworkFailure, "get artifact", inner)
	if ne.Error() != "get artifact: NetworkFailure: connection refused" {
		t.Errorf("Error() = %q", ne.Error())
	}
	if !errors.Is(ne, inner) {
		t.Error("Unwrap should expose the inner error")
	}
	if !ne.Recoverable() {
		t.Error("NetworkFailure should be recoverable")
	}
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{"b", "", " a", "b", "c "})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("NormalizeTags = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("NormalizeTags[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

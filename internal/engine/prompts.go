package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/yangwenmai/draftsync/internal/model"
)

func buildFoundationsPrompt(a *model.Artifact, research []model.ResearchItem) string {
	return fmt.Sprintf(`You are an outline planner for a %s written in a %s tone.
Tags: %s

Research notes:
%s

Output ONLY valid JSON with this exact structure (no markdown, no explanation):
{"skeleton": "markdown outline", "keywords": ["keyword 1", "keyword 2"]}

Rules:
- The skeleton is a markdown outline with 3 to 7 sections, one line of intent per section
- keywords: 3 to 5 short phrases that capture the topic
- Ground the outline in the research notes when there are any`,
		describeType(a.Type), a.Tone, tagList(a.Tags), researchNotes(research))
}

func buildWritingPrompt(a *model.Artifact, research []model.ResearchItem) string {
	skeleton := ""
	if a.Skeleton != nil {
		skeleton = *a.Skeleton
	}
	return fmt.Sprintf(`You are a content writer. Write a %s in a %s tone following the approved outline.

Outline:
%s

Research notes:
%s

Output ONLY valid JSON with this exact structure:
{"content": "the full text in markdown"}

Rules:
- Follow the outline section by section
- %s`,
		describeType(a.Type), a.Tone, skeleton, researchNotes(research), lengthRule(a))
}

func buildHumanityPrompt(a *model.Artifact) string {
	return fmt.Sprintf(`You are an editor. Rewrite the draft below so it reads as written by a person, keeping a %s tone.

Output ONLY valid JSON with this exact structure:
{"content": "the edited text in markdown"}

Rules:
- Keep every fact and the section structure
- Remove filler, stock phrases and repeated sentence openings
- %s

Draft:
%s`, a.Tone, lengthRule(a), truncateRunes(*a.Content, 12000))
}

func buildVisualNeedsPrompt(a *model.Artifact) string {
	return fmt.Sprintf(`You are an art director. Propose the images this %s needs.

Output ONLY valid JSON with this exact structure:
{"needs": [{"description": "what the image shows", "purpose": "where and why it is used", "style": "photo|illustration|diagram"}]}

Rules:
- 1 to 4 needs
- Each description is concrete enough to generate the image from

Content:
%s`, describeType(a.Type), truncateRunes(*a.Content, 8000))
}

func buildImagePrompt(need model.ImageNeed, tone model.Tone) string {
	prompt := need.Description
	if need.Style != "" {
		prompt += ". Style: " + need.Style
	}
	return prompt + ". Mood: " + string(tone)
}

func describeType(t model.ArtifactType) string {
	switch t {
	case model.TypeSocialPost:
		return "social media post"
	case model.TypeBlog:
		return "blog article"
	case model.TypeShowcase:
		return "project showcase"
	}
	return string(t)
}

func lengthRule(a *model.Artifact) string {
	if m, ok := a.Metadata.Meta.(*model.SocialPostMeta); ok && m.CharacterLimit > 0 {
		return fmt.Sprintf("Stay under %d characters", m.CharacterLimit)
	}
	return "Aim for 800 to 1500 words"
}

func tagList(tags []string) string {
	if len(tags) == 0 {
		return "(none)"
	}
	return strings.Join(tags, ", ")
}

func researchNotes(items []model.ResearchItem) string {
	if len(items) == 0 {
		return "(none)"
	}
	notes := make([]map[string]string, 0, len(items))
	for _, r := range items {
		notes = append(notes, map[string]string{"title": r.Title, "url": r.SourceURL, "excerpt": truncateRunes(r.Excerpt, 1500)})
	}
	return mustJSON(notes)
}

// truncateRunes truncates s to maxRunes runes (Unicode-safe).
func truncateRunes(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes]) + "\n... [truncated]"
}

// clipRunes cuts s to at most maxRunes runes with no marker.
func clipRunes(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	return string([]rune(s)[:maxRunes])
}

// mustJSON marshals v to a JSON string. It panics on error because callers
// only pass known types that are guaranteed to be serializable.
func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("engine: json.Marshal failed on known type: %v", err))
	}
	return string(b)
}

package engine

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
)

// StubExtractor returns canned extraction results (for development/testing).
type StubExtractor struct{}

func (e *StubExtractor) Extract(_ context.Context, rawURL string) (*ExtractedContent, error) {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}
	text := "Notes gathered from " + rawURL + ". The source covers the trade-offs of the approach, a worked example and measured results."
	return &ExtractedContent{
		Title:          "Article on " + host,
		NormalizedText: text,
		Meta:           ContentMeta{Author: "Stub Author", WordCount: len(strings.Fields(text))},
	}, nil
}

// StubModelClient returns canned model responses keyed on the role each
// prompt opens with (for development/testing).
type StubModelClient struct{}

func (m *StubModelClient) Complete(_ context.Context, prompt string) (string, error) {
	switch {
	case strings.Contains(prompt, "outline planner"):
		return mustJSON(FoundationsResult{
			Skeleton: "# Working title\n\n## Problem\nWhat hurts today.\n\n## Approach\nHow we fixed it.\n\n## Results\nWhat changed.",
			Keywords: []string{"developer tooling", "sync engine", "lessons learned"},
		}), nil
	case strings.Contains(prompt, "content writer"):
		return mustJSON(DraftResult{
			Content: "# Working title\n\n## Problem\nEvery edit raced the generator.\n\n## Approach\nWe ordered writes by version.\n\n## Results\nNo more lost edits.",
		}), nil
	case strings.Contains(prompt, "You are an editor"):
		return mustJSON(DraftResult{
			Content: "# Working title\n\n## Problem\nEdits kept racing the generator, and we lost work.\n\n## Approach\nWe started ordering every write by its version.\n\n## Results\nWe have not lost an edit since.",
		}), nil
	case strings.Contains(prompt, "art director"):
		return `{"needs":[{"description":"Two timelines merging into one","purpose":"header","style":"illustration"},{"description":"Before and after chart of lost edits","purpose":"results section","style":"diagram"}]}`, nil
	}
	return "{}", nil
}

// StubImageGenerator returns placeholder image URLs (for development/testing).
type StubImageGenerator struct {
	n atomic.Int64
}

func (g *StubImageGenerator) GenerateImage(_ context.Context, prompt string) (string, error) {
	n := g.n.Add(1)
	return fmt.Sprintf("https://placehold.co/1792x1024?text=%s&v=%d", url.QueryEscape(clipRunes(prompt, 40)), n), nil
}

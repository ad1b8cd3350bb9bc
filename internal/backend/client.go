// Package backend is the HTTP client for the artifact API.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"resty.dev/v3"

	"github.com/yangwenmai/draftsync/internal/model"
)

// DefaultTimeout bounds every request unless the caller's context is shorter.
const DefaultTimeout = 30 * time.Second

// Client talks to the artifact API. It is safe for concurrent use.
type Client struct {
	http *resty.Client
}

// New creates a Client for the API rooted at baseURL, for example
// http://localhost:8080. A zero timeout means DefaultTimeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{http: c}
}

// Close releases idle connections.
func (c *Client) Close() error {
	return c.http.Close()
}

// CreateArtifact creates a draft artifact.
func (c *Client) CreateArtifact(ctx context.Context, req model.CreateArtifactRequest) (*model.Artifact, error) {
	var out model.Artifact
	if err := c.do(ctx, "create artifact", http.MethodPost, "/api/artifacts", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetArtifact fetches the full record.
func (c *Client) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	var out model.Artifact
	if err := c.do(ctx, "get artifact", http.MethodGet, "/api/artifacts/{id}", ids(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PatchArtifact applies a partial update and returns the new record.
func (c *Client) PatchArtifact(ctx context.Context, id string, patch model.ArtifactPatch) (*model.Artifact, error) {
	var out model.Artifact
	if err := c.do(ctx, "patch artifact", http.MethodPatch, "/api/artifacts/{id}", ids(id), patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ApproveFoundations releases the foundations gate, optionally with an
// edited skeleton.
func (c *Client) ApproveFoundations(ctx context.Context, id string, skeleton *string) (model.ApproveFoundationsResponse, error) {
	var out model.ApproveFoundationsResponse
	err := c.do(ctx, "approve foundations", http.MethodPost, "/api/artifacts/{id}/approve-foundations", ids(id),
		model.ApproveFoundationsRequest{Skeleton: skeleton}, &out)
	return out, err
}

// ListResearch returns the research items of an artifact.
func (c *Client) ListResearch(ctx context.Context, id string) ([]model.ResearchItem, error) {
	var out []model.ResearchItem
	if err := c.do(ctx, "list research", http.MethodGet, "/api/artifacts/{id}/research", ids(id), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddResearch attaches a research source.
func (c *Client) AddResearch(ctx context.Context, id string, in model.ResearchInput) (*model.ResearchItem, error) {
	var out model.ResearchItem
	if err := c.do(ctx, "add research", http.MethodPost, "/api/artifacts/{id}/research", ids(id), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteResearch removes a research source.
func (c *Client) DeleteResearch(ctx context.Context, id, researchID string) error {
	params := map[string]string{"id": id, "rid": researchID}
	return c.do(ctx, "delete research", http.MethodDelete, "/api/artifacts/{id}/research/{rid}", params, nil, nil)
}

// ApproveImages records the user's decisions on the image needs.
func (c *Client) ApproveImages(ctx context.Context, id string, decisions []model.ImageDecision) (*model.Artifact, error) {
	var out model.Artifact
	err := c.do(ctx, "approve images", http.MethodPost, "/api/artifacts/{id}/images/approve", ids(id),
		model.ApproveImagesRequest{Needs: decisions}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateImages asks for images for every approved need still lacking one.
func (c *Client) GenerateImages(ctx context.Context, id string) (*model.Artifact, error) {
	var out model.Artifact
	if err := c.do(ctx, "generate images", http.MethodPost, "/api/artifacts/{id}/images/generate", ids(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegenerateImage replaces an image with a new attempt.
func (c *Client) RegenerateImage(ctx context.Context, id, imageID, description string) (model.RegenerateImageResponse, error) {
	var out model.RegenerateImageResponse
	params := map[string]string{"id": id, "imageId": imageID}
	err := c.do(ctx, "regenerate image", http.MethodPost, "/api/artifacts/{id}/images/{imageId}/regenerate", params,
		model.RegenerateImageRequest{Description: description}, &out)
	return out, err
}

func ids(id string) map[string]string {
	return map[string]string{"id": id}
}

func (c *Client) do(ctx context.Context, op, method, path string, params map[string]string, body, result any) error {
	var apiErr model.ErrorResponse
	req := c.http.R().
		SetContext(ctx).
		SetPathParams(params).
		SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return model.NewError(model.KindNetworkFailure, op, err)
	}
	if resp.IsError() {
		return statusError(op, resp.StatusCode(), apiErr)
	}
	return nil
}

// statusError maps an API error response onto an error kind. Unclassified
// failures are network failures so callers treat them as retryable.
func statusError(op string, code int, body model.ErrorResponse) error {
	msg := body.Error
	if msg == "" {
		msg = http.StatusText(code)
	}
	err := fmt.Errorf("%d %s", code, msg)

	kind := body.Kind
	if kind == "" {
		switch code {
		case http.StatusNotFound:
			kind = model.KindNotFound
		case http.StatusConflict:
			kind = model.KindConflict
		case http.StatusUnprocessableEntity:
			kind = model.KindInvalidTransition
		default:
			kind = model.KindNetworkFailure
		}
	}
	return model.NewError(kind, op, err)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}

package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/audiencekit/segment-engine/internal/domain"
)

// ownerTag marks segments created by this system so ListOwnedSegments only
// returns what we manage, not the account's hand-made segments.
const ownerTag = "audiencekit"

const requestTimeout = 30 * time.Second

// Segment is one externally-existing segment as the platform reports it.
type Segment struct {
	ExternalID string    `json:"id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
}

type Client interface {
	CreateSegment(ctx context.Context, account *domain.Account, name string, definition json.RawMessage) (string, error)
	ListOwnedSegments(ctx context.Context, account *domain.Account) ([]Segment, error)
}

// HTTPClient talks to the external segmentation API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

type createSegmentRequest struct {
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
	OwnerTag   string          `json:"owner_tag"`
}

type createSegmentResponse struct {
	ExternalID string `json:"id"`
}

func (c *HTTPClient) CreateSegment(ctx context.Context, account *domain.Account, name string, definition json.RawMessage) (string, error) {
	body, err := json.Marshal(createSegmentRequest{
		Name:       name,
		Definition: definition,
		OwnerTag:   ownerTag,
	})
	if err != nil {
		return "", fmt.Errorf("marshal create request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/accounts/%s/segments", c.baseURL, account.AccountRef)
	resp, err := c.do(ctx, account, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", readError(resp)
	}

	var out createSegmentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &Error{Class: ClassTransient, Message: fmt.Sprintf("decode create response: %v", err)}
	}
	if out.ExternalID == "" {
		return "", &Error{Class: ClassTransient, Message: "create response missing segment id"}
	}
	return out.ExternalID, nil
}

func (c *HTTPClient) ListOwnedSegments(ctx context.Context, account *domain.Account) ([]Segment, error) {
	url := fmt.Sprintf("%s/v1/accounts/%s/segments?owner_tag=%s", c.baseURL, account.AccountRef, ownerTag)
	resp, err := c.do(ctx, account, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}

	var out struct {
		Segments []Segment `json:"segments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Class: ClassTransient, Message: fmt.Sprintf("decode list response: %v", err)}
	}
	return out.Segments, nil
}

func (c *HTTPClient) do(ctx context.Context, account *domain.Account, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+account.APIToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &Error{Class: ClassTransient, Message: err.Error()}
	}
	return resp, nil
}

func readError(resp *http.Response) error {
	msg := resp.Status
	var apiErr struct {
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
		msg = apiErr.Message
	}
	return &Error{
		Class:      classForStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    msg,
	}
}

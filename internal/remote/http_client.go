package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/fernweh-app/fernweh-core/internal/models"
)

// HTTPClient implements Client against the Fernweh REST API.
//
//	POST   /v1/{type}s              create
//	PUT    /v1/{type}s/{id}         update, If-Match carries the expected version
//	DELETE /v1/{type}s/{id}         delete
type HTTPClient struct {
	baseURL   string
	authToken string
	client    *http.Client
}

// NewHTTPClient builds a client for the given API root.
func NewHTTPClient(baseURL, authToken string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:   baseURL,
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) collectionURL(entityType models.EntityType) string {
	return fmt.Sprintf("%s/v1/%ss", c.baseURL, entityType)
}

func (c *HTTPClient) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Cause: err}
	}
	return resp, nil
}

// CreateEntity uploads a new entity and returns its server identity.
func (c *HTTPClient) CreateEntity(ctx context.Context, entityType models.EntityType, payload json.RawMessage) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.collectionURL(entityType), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp, "")
	}
	return decodeResult(resp.Body)
}

// UpdateEntity replaces the remote entity, guarded by the expected version.
func (c *HTTPClient) UpdateEntity(ctx context.Context, entityType models.EntityType, remoteID string, expectedVersion int64, payload json.RawMessage) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.collectionURL(entityType)+"/"+remoteID, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("If-Match", strconv.FormatInt(expectedVersion, 10))

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp, remoteID)
	}
	return decodeResult(resp.Body)
}

// DeleteEntity removes the remote entity.
func (c *HTTPClient) DeleteEntity(ctx context.Context, entityType models.EntityType, remoteID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.collectionURL(entityType)+"/"+remoteID, nil)
	if err != nil {
		return err
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return classifyStatus(resp, remoteID)
	}
	return nil
}

// classifyStatus maps an error response onto the retry taxonomy.
func classifyStatus(resp *http.Response, remoteID string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch resp.StatusCode {
	case http.StatusConflict:
		var conflict struct {
			Version int64           `json:"version"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(body, &conflict); err != nil {
			// A 409 without a readable body still needs the server state;
			// retrying the fetch is cheaper than guessing.
			return &TransportError{Cause: fmt.Errorf("conflict response unreadable: %w", err)}
		}
		return &ConflictError{ServerVersion: conflict.Version, ServerPayload: conflict.Payload}

	case http.StatusNotFound:
		return &NotFoundError{RemoteID: remoteID}

	default:
		// Any other 4xx means the server has definitively rejected this
		// request; retrying the same bytes cannot succeed.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return &ValidationError{Status: resp.StatusCode, Detail: errorDetail(body)}
		}
		return &TransportError{Cause: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, errorDetail(body))}
	}
}

func errorDetail(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}

func decodeResult(r io.Reader) (*Result, error) {
	var res Result
	if err := json.NewDecoder(r).Decode(&res); err != nil {
		return nil, &TransportError{Cause: fmt.Errorf("decode response: %w", err)}
	}
	if res.RemoteID == "" {
		return nil, &TransportError{Cause: fmt.Errorf("response missing entity id")}
	}
	return &res, nil
}

package kioskctl

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPClient wraps the hub's HTTP API.
type HTTPClient struct {
	baseURL string
	client  *resty.Client
}

// NewHTTPClient creates a client for the hub at baseURL. operator is sent
// as X-Operator and ends up as the actor in the audit log.
func NewHTTPClient(baseURL, operator string) *HTTPClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if operator != "" {
		client.SetHeader("X-Operator", operator)
	}
	return &HTTPClient{baseURL: baseURL, client: client}
}

// APIResponse wraps the standard API response format
type APIResponse struct {
	Data json.RawMessage `json:"data"`
	Meta *APIMeta        `json:"meta,omitempty"`
}

type APIMeta struct {
	Total int `json:"total"`
	Limit int `json:"limit,omitempty"`
}

// APIError represents an API error response
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Get performs a GET request with optional query parameters.
func (c *HTTPClient) Get(path string, query map[string]string) ([]byte, error) {
	resp, err := c.client.R().SetQueryParams(query).Get(path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to hub at %s: %w", c.baseURL, err)
	}
	if resp.IsError() {
		return nil, c.parseError(resp.StatusCode(), resp.Body())
	}
	return resp.Body(), nil
}

// Post performs a POST request with a JSON body. A nil payload sends no body.
func (c *HTTPClient) Post(path string, payload interface{}) ([]byte, error) {
	req := c.client.R()
	if payload != nil {
		req.SetBody(payload)
	}
	resp, err := req.Post(path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to hub at %s: %w", c.baseURL, err)
	}
	if resp.IsError() {
		return nil, c.parseError(resp.StatusCode(), resp.Body())
	}
	return resp.Body(), nil
}

func (c *HTTPClient) parseError(statusCode int, body []byte) error {
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Error == "" {
		switch statusCode {
		case http.StatusNotFound:
			return fmt.Errorf("resource not found")
		case http.StatusServiceUnavailable:
			return fmt.Errorf("hub service unavailable")
		default:
			return fmt.Errorf("server error (status %d)", statusCode)
		}
	}

	switch statusCode {
	case http.StatusBadRequest:
		return fmt.Errorf("invalid request: %s", apiErr.Error)
	case http.StatusNotFound:
		return fmt.Errorf("not found: %s", apiErr.Error)
	case http.StatusConflict:
		return fmt.Errorf("rejected: %s", apiErr.Error)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("command refused (%s): %s", apiErr.Code, apiErr.Error)
	case http.StatusBadGateway:
		return fmt.Errorf("delivery failed: %s", apiErr.Error)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("hub service unavailable: %s", apiErr.Error)
	default:
		return fmt.Errorf("server error: %s", apiErr.Error)
	}
}

// ParseResponse unmarshals the data field of a response into target.
func ParseResponse(body []byte, target interface{}) error {
	var resp APIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if err := json.Unmarshal(resp.Data, target); err != nil {
		return fmt.Errorf("failed to unmarshal response data: %w", err)
	}
	return nil
}

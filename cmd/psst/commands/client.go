package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"psst/pkg/domain"

	"github.com/pkg/errors"
)

const maxResponseBody = 4 << 20

// APIError is a non-2xx reply from the service.
type APIError struct {
	Status           int
	Code             string   `json:"code"`
	Message          string   `json:"error"`
	SecretCategories []string `json:"secret_types"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
	return e.Message
}

// CreateRequest mirrors the /create body.
type CreateRequest struct {
	ID            string `json:"paste_id,omitempty"`
	Content       string `json:"content"`
	ExpirySeconds int64  `json:"expiry_seconds"`
	IsEncrypted   bool   `json:"is_encrypted,omitempty"`
	Salt          string `json:"salt,omitempty"`
	IV            string `json:"iv,omitempty"`
}

type Client struct {
	base string
	http *http.Client
}

func NewClient(c *Config) *Client {
	c.withDefaults()
	return &Client{
		base: strings.TrimRight(c.APIURL, "/"),
		http: &http.Client{Timeout: c.Timeout},
	}
}

// PasteURL is the retrieval URL for id.
func (c *Client) PasteURL(id string) string {
	return c.base + "/paste/" + url.PathEscape(id)
}

func (c *Client) Create(ctx context.Context, req CreateRequest) (*domain.CreateResult, error) {
	var out domain.CreateResult
	if err := c.do(ctx, http.MethodPost, "/create", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Retrieve consumes the paste.
func (c *Client) Retrieve(ctx context.Context, id string) (*domain.RetrieveResult, error) {
	var out domain.RetrieveResult
	if err := c.do(ctx, http.MethodPost, "/paste", map[string]string{"paste_id": id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context, id string) (*domain.PasteStatus, error) {
	var out domain.PasteStatus
	if err := c.do(ctx, http.MethodGet, "/paste/"+url.PathEscape(id)+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

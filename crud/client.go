// Package crud is the thin REST boundary to the product service consumed
// by command handlers. It wraps plain request/response calls and surfaces
// the service's error messages verbatim.
package crud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/autobridge/autobridge/commands"
)

// ProductService is the boundary the product command handlers delegate to.
type ProductService interface {
	Create(ctx context.Context, in commands.AddProduct) (*commands.Product, error)
	Remove(ctx context.Context, productID string) error
	Search(ctx context.Context, query string, filters map[string]string) (*commands.SearchResult, error)
}

// Client is a ProductService over HTTP+JSON.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithBearerToken attaches a bearer token to every request.
func WithBearerToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient constructs a product service client rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("crud: empty base url")
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// apiError is the service's error body shape.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Create adds a product.
func (c *Client) Create(ctx context.Context, in commands.AddProduct) (*commands.Product, error) {
	var out commands.Product
	if err := c.do(ctx, http.MethodPost, "/products", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Remove deletes a product by id.
func (c *Client) Remove(ctx context.Context, productID string) error {
	if strings.TrimSpace(productID) == "" {
		return errors.New("missing product id")
	}
	return c.do(ctx, http.MethodDelete, "/products/"+url.PathEscape(productID), nil, nil)
}

// Search queries products.
func (c *Client) Search(ctx context.Context, query string, filters map[string]string) (*commands.SearchResult, error) {
	q := url.Values{}
	if query != "" {
		q.Set("q", query)
	}
	for k, v := range filters {
		q.Set(k, v)
	}
	path := "/products/search"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	var out commands.SearchResult
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do runs one JSON round trip against the service.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("crud: encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("crud: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("crud: %s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return errors.New(readAPIError(resp))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("crud: decode response: %w", err)
	}
	return nil
}

// readAPIError surfaces the service's own error message verbatim when one
// is present, falling back to the HTTP status.
func readAPIError(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if err == nil && len(data) > 0 {
		var ae apiError
		if json.Unmarshal(data, &ae) == nil {
			if ae.Error != "" {
				return ae.Error
			}
			if ae.Message != "" {
				return ae.Message
			}
		}
	}
	return "product service: " + resp.Status
}

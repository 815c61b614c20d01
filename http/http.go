// Package http implements the x402 payment flow over net/http: the retrying
// client, the settlement and registration calls, and the header helpers they
// share.
package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// ============================================================================
// Convenience functions
// ============================================================================

// WrapClient wraps a standard HTTP client with x402 payment handling
func WrapClient(client *http.Client, x402Client *Client) *http.Client {
	return WrapHTTPClientWithPayment(client, x402Client, SendOptions{})
}

// Get performs a GET request with automatic payment handling
func Get(ctx context.Context, url string, x402Client *Client) (*http.Response, error) {
	return x402Client.GetWithPayment(ctx, url)
}

// Post performs a POST request with automatic payment handling
func Post(ctx context.Context, url string, body io.Reader, x402Client *Client) (*http.Response, error) {
	return x402Client.PostWithPayment(ctx, url, body)
}

// Do performs an HTTP request with automatic payment handling
func Do(ctx context.Context, req *http.Request, x402Client *Client) (*http.Response, error) {
	return x402Client.DoWithPayment(ctx, req)
}

// GetWithPayment performs a GET request with default options
func (c *Client) GetWithPayment(ctx context.Context, url string) (*http.Response, error) {
	result, err := c.Send(ctx, url, RequestInit{Method: http.MethodGet}, SendOptions{})
	if err != nil {
		return nil, err
	}
	return result.Response, nil
}

// PostWithPayment performs a JSON POST request with default options
func (c *Client) PostWithPayment(ctx context.Context, url string, body io.Reader) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
	}

	header := make(http.Header)
	header.Set(headerContentType, mimeApplicationJSON)

	result, err := c.Send(ctx, url, RequestInit{
		Method: http.MethodPost,
		Header: header,
		Body:   payload,
	}, SendOptions{})
	if err != nil {
		return nil, err
	}
	return result.Response, nil
}

// DoWithPayment sends req, paying when challenged. req's body is consumed.
func (c *Client) DoWithPayment(ctx context.Context, req *http.Request) (*http.Response, error) {
	var payload []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		payload, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
	}

	result, err := c.Send(ctx, req.URL.String(), RequestInit{
		Method: req.Method,
		Header: req.Header,
		Body:   payload,
	}, SendOptions{})
	if err != nil {
		return nil, err
	}
	return result.Response, nil
}

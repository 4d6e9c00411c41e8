package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/loomchat/loom/pkg/logger"
	"github.com/loomchat/loom/pkg/retry"
)

// DefaultTimeout bounds a single streaming response when the caller does
// not choose one.
const DefaultTimeout = 90 * time.Second

// Client talks to a local Ollama server. Non-streaming requests are
// wrapped in bounded exponential-backoff retry; streaming responses are
// never retried once bytes have started arriving.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	retryOpts  retry.Options
}

// NewClient creates a client for the given base URL with the default
// per-stream timeout.
func NewClient(baseURL string) *Client {
	return NewClientWithTimeout(baseURL, DefaultTimeout)
}

// NewClientWithTimeout creates a client with a custom per-stream timeout.
// The underlying http.Client carries no global timeout: long-lived
// streaming bodies are bounded per request via context instead.
func NewClientWithTimeout(baseURL string, timeout time.Duration) *Client {
	opts := retry.DefaultOptions()
	opts.OnRetry = func(err error, attempt int, delay time.Duration) {
		log := logger.WithComponent("ollama")
		log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying request")
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		timeout:    timeout,
		retryOpts:  opts,
	}
}

// BaseURL returns the server base URL the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Chat performs a one-shot (non-streaming) chat request.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	req.Stream = false

	var resp ChatResponse
	err := retry.Do(ctx, c.retryOpts, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, "/api/chat", req, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Embed computes embeddings for the given input.
func (c *Client) Embed(ctx context.Context, req EmbedRequest) (*EmbedResponse, error) {
	var resp EmbedResponse
	err := retry.Do(ctx, c.retryOpts, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, "/api/embed", req, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Tags lists the models installed on the server.
func (c *Client) Tags(ctx context.Context) (*TagsResponse, error) {
	var resp TagsResponse
	err := retry.Do(ctx, c.retryOpts, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, "/api/tags", nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ps lists the models currently loaded in memory.
func (c *Client) Ps(ctx context.Context) (*PsResponse, error) {
	var resp PsResponse
	err := retry.Do(ctx, c.retryOpts, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, "/api/ps", nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Show returns detailed information about one model.
func (c *Client) Show(ctx context.Context, model string) (*ShowResponse, error) {
	var resp ShowResponse
	err := retry.Do(ctx, c.retryOpts, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, "/api/show", ShowRequest{Model: model}, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Version returns the server version.
func (c *Client) Version(ctx context.Context) (*VersionResponse, error) {
	var resp VersionResponse
	err := retry.Do(ctx, c.retryOpts, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, "/api/version", nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// doJSON issues one request and decodes the JSON response into out. Every
// failure it returns is classified.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	if err := ctx.Err(); err != nil {
		return Classify(context.Cause(ctx))
	}

	var reqBody *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindUnknown, Message: "failed to marshal request", Err: err}
		}
		reqBody = bytes.NewBuffer(raw)
	} else {
		reqBody = &bytes.Buffer{}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return &Error{Kind: KindUnknown, Message: "failed to create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return Classify(cause)
		}
		return Classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ClassifyResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindParse, Message: fmt.Sprintf("failed to decode %s response", path), Err: err}
	}
	return nil
}

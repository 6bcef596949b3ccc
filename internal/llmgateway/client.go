// Package llmgateway speaks the single configured chat-completions
// endpoint: an SSE line-scanner for streaming reads, with a per-chunk
// cancellation checkpoint so an abandoned stream closes its connection and
// stops remote token generation promptly.
package llmgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iama-platform/orchestrator-core/internal/platform/logger"
)

// ModelClass selects the router tier for generate_patch's phase/tier
// gating.
type ModelClass string

const (
	ModelClassL1 ModelClass = "iama-router-l1"
	ModelClassL2 ModelClass = "iama-router-l2"
	ModelClassL3 ModelClass = "iama-router-l3"
)

// Message is one chat-completions message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the wire shape of
// POST {base}/v1/chat/completions: {model, messages, stream, max_tokens}.
type ChatCompletionRequest struct {
	Model     ModelClass `json:"model"`
	Messages  []Message  `json:"messages"`
	Stream    bool       `json:"stream"`
	MaxTokens int        `json:"max_tokens,omitempty"`
}

// Chunk is one decoded streaming delta.
type Chunk struct {
	Delta        string
	FinishReason string
}

// Usage carries token accounting from the final chunk, when the gateway
// reports it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("llmgateway http %d: %s", e.StatusCode, e.Body)
}

// Client talks to the single configured LLM gateway (env LITELLM_API_BASE).
// It has no retry policy of its own for streaming calls -- the workflow's
// activity retry policy governs that -- but non-streaming calls retry once
// on a recoverable HTTP error.
type Client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a Client from LITELLM_API_BASE and an optional
// LITELLM_API_KEY for bearer auth.
func NewClient(log *logger.Logger) (*Client, error) {
	base := strings.TrimSpace(os.Getenv("LITELLM_API_BASE"))
	if base == "" {
		return nil, errors.New("missing LITELLM_API_BASE")
	}
	base = strings.TrimRight(base, "/")

	timeoutSec := 600
	if v := strings.TrimSpace(os.Getenv("LITELLM_TIMEOUT_SECONDS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	if log == nil {
		return nil, errors.New("logger required")
	}

	return &Client{
		log:        log.With("service", "LLMGatewayClient"),
		baseURL:    base,
		apiKey:     strings.TrimSpace(os.Getenv("LITELLM_API_KEY")),
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}, nil
}

// CancelledError wraps a context cancellation observed mid-stream so callers
// can distinguish it from a transport error.
type CancelledError struct{ Cause error }

func (e *CancelledError) Error() string {
	return fmt.Sprintf("llmgateway: stream cancelled: %v", e.Cause)
}
func (e *CancelledError) Unwrap() error { return e.Cause }

// StreamChatCompletion opens a streaming chat-completions request and feeds
// each decoded chunk to onChunk. The HTTP read runs inside an
// errgroup-managed goroutine bound to a child context; onChunk is invoked
// synchronously from the reading goroutine after every chunk so the caller
// (an llmwork activity) can record a heartbeat and check its own
// cancellation state, returning a non-nil error to abort -- which cancels
// the child context, which closes the in-flight response body and therefore
// the TCP connection, stopping remote token generation within one chunk
// round-trip.
func (c *Client) StreamChatCompletion(ctx context.Context, req ChatCompletionRequest, onChunk func(Chunk) error) (string, Usage, error) {
	req.Stream = true

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		full  strings.Builder
		usage Usage
	)

	c.log.Debug("Opening chat-completions stream", "model", string(req.Model))

	g, gctx := errgroup.WithContext(streamCtx)
	g.Go(func() error {
		resp, err := c.openStream(gctx, req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		return streamSSE(resp.Body, func(event string, data string) error {
			data = strings.TrimSpace(data)
			if data == "" || data == "[DONE]" {
				return nil
			}

			var payload struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
					FinishReason string `json:"finish_reason"`
				} `json:"choices"`
				Usage *struct {
					PromptTokens     int `json:"prompt_tokens"`
					CompletionTokens int `json:"completion_tokens"`
				} `json:"usage"`
			}
			if err := json.Unmarshal([]byte(data), &payload); err != nil {
				return nil
			}
			if payload.Usage != nil {
				usage.PromptTokens = payload.Usage.PromptTokens
				usage.CompletionTokens = payload.Usage.CompletionTokens
			}
			for _, choice := range payload.Choices {
				chunk := Chunk{Delta: choice.Delta.Content, FinishReason: choice.FinishReason}
				if chunk.Delta != "" {
					full.WriteString(chunk.Delta)
				}
				// Mandatory per-chunk checkpoint: cancellation first, then the
				// caller's own heartbeat/inspection. A non-nil return here
				// propagates up through streamSSE -> errgroup -> cancel().
				if ctxErr := streamCtx.Err(); ctxErr != nil {
					return &CancelledError{Cause: ctxErr}
				}
				if onChunk != nil {
					if err := onChunk(chunk); err != nil {
						return err
					}
				}
			}
			return nil
		})
	})

	if err := g.Wait(); err != nil {
		if errors.Is(streamCtx.Err(), context.Canceled) || errors.Is(streamCtx.Err(), context.DeadlineExceeded) {
			var cancelled *CancelledError
			if errors.As(err, &cancelled) {
				return full.String(), usage, err
			}
			return full.String(), usage, &CancelledError{Cause: streamCtx.Err()}
		}
		return full.String(), usage, err
	}
	return full.String(), usage, nil
}

func (c *Client) openStream(ctx context.Context, req ChatCompletionRequest) (*http.Response, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(req); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return nil, &httpError{StatusCode: resp.StatusCode, Body: string(raw)}
}

// ChatCompletion performs a non-streaming request, retrying once on a
// recoverable error (an HTTP 5xx or a deadline-exceeded timeout); other
// transport errors are returned without a retry.
func (c *Client) ChatCompletion(ctx context.Context, req ChatCompletionRequest) (string, error) {
	req.Stream = false

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		text, err := c.chatCompletionOnce(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return "", err
		}
		c.log.Warn("Chat completion failed; retrying once", "model", string(req.Model), "error", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return "", lastErr
}

func (c *Client) chatCompletionOnce(ctx context.Context, req ChatCompletionRequest) (string, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(req); err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", &buf)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &httpError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var payload struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("llmgateway: decode response: %w", err)
	}
	if len(payload.Choices) == 0 {
		return "", errors.New("llmgateway: empty choices")
	}
	return payload.Choices[0].Message.Content, nil
}

func isRetryable(err error) bool {
	var he *httpError
	if errors.As(err, &he) {
		return he.StatusCode >= 500
	}
	return errors.Is(err, context.DeadlineExceeded)
}

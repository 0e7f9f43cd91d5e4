// Package remote implements the sketch encoder against an HTTP inference
// server that turns token id matrices into per-position hidden states.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Shichao-Wang/sketched-nl2sql/internal/tensor"
)

const encodePath = "/v1/encode"

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type Client struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

type encodeRequest struct {
	Model    string    `json:"model"`
	InputIDs [][]int64 `json:"input_ids"`
}

type encodeResponse struct {
	HiddenStates [][][]float32 `json:"hidden_states"`
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("encoder model is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) Model() string {
	return c.model
}

// Encode sends the packed token matrix and returns a (rows, cols, dim) tensor.
// A response whose leading shape differs from the request is rejected.
func (c *Client) Encode(ctx context.Context, tokens tensor.Matrix[int64]) (tensor.Float, error) {
	if err := tokens.Validate(); err != nil {
		return tensor.Float{}, fmt.Errorf("encoder input: %w", err)
	}
	body, err := json.Marshal(encodeRequest{Model: c.model, InputIDs: tokens.ToRows()})
	if err != nil {
		return tensor.Float{}, fmt.Errorf("marshal encode payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+encodePath, bytes.NewReader(body))
	if err != nil {
		return tensor.Float{}, fmt.Errorf("build encode request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return tensor.Float{}, fmt.Errorf("request encoding: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return tensor.Float{}, fmt.Errorf("read encode response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return tensor.Float{}, fmt.Errorf("encoding failed status=%d body=%s", resp.StatusCode, truncate(string(rawRespBody), 512))
	}

	var parsed encodeResponse
	if err := json.Unmarshal(rawRespBody, &parsed); err != nil {
		return tensor.Float{}, fmt.Errorf("decode encode response: %w", err)
	}
	hidden, err := tensor.FloatFromNested3(parsed.HiddenStates)
	if err != nil {
		return tensor.Float{}, fmt.Errorf("hidden states: %w", err)
	}
	if hidden.Dim(0) != tokens.Rows || (tokens.Rows > 0 && hidden.Dim(1) != tokens.Cols) {
		return tensor.Float{}, fmt.Errorf("%w: hidden states %v for %d x %d tokens",
			tensor.ErrShapeMismatch, hidden.Shape, tokens.Rows, tokens.Cols)
	}
	return hidden, nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}

package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/local/tenderpipe/internal/taskerr"
)

// OllamaClient talks to a local Ollama-compatible runtime. Timeouts come
// from the caller's ctx; the client sets none of its own.
type OllamaClient struct {
	http    *http.Client
	baseURL string
}

func NewOllamaClient(baseURL string) *OllamaClient {
	return &OllamaClient{
		http:    &http.Client{},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (c *OllamaClient) Name() string { return "ollama" }

type generateReq struct {
	Model   string  `json:"model"`
	Prompt  string  `json:"prompt"`
	Stream  bool    `json:"stream"`
	Options Options `json:"options"`
}

type generateResp struct {
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Done            bool   `json:"done"`
}

type modelList struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Models lists the models the runtime knows, marking the ones currently
// loaded in memory. A runtime without /api/ps still reports presence.
func (c *OllamaClient) Models(ctx context.Context) ([]ModelInfo, error) {
	var tags modelList
	if err := c.getJSON(ctx, "/api/tags", &tags); err != nil {
		return nil, err
	}

	loaded := map[string]bool{}
	var ps modelList
	if err := c.getJSON(ctx, "/api/ps", &ps); err == nil {
		for _, m := range ps.Models {
			loaded[m.Name] = true
		}
	}

	infos := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		infos = append(infos, ModelInfo{Name: m.Name, Loaded: loaded[m.Name]})
	}
	return infos, nil
}

// Generate runs one non-streaming completion.
func (c *OllamaClient) Generate(ctx context.Context, req Request) (Response, error) {
	payload := generateReq{
		Model:   req.Model,
		Prompt:  req.Prompt,
		Stream:  false,
		Options: req.Options,
	}
	body, _ := json.Marshal(payload)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Response{}, taskerr.Wrap(taskerr.CodeInternal, "model-client", err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, c.mapTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, c.mapStatusError(resp, req.Model)
	}

	var r generateResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Response{}, taskerr.Wrap(taskerr.CodeModelUnreachable, "model-client", err, "malformed runtime response")
	}

	return Response{
		Text:      r.Response,
		TokensIn:  r.PromptEvalCount,
		TokensOut: r.EvalCount,
		Elapsed:   time.Since(start),
		Done:      r.Done,
	}, nil
}

func (c *OllamaClient) getJSON(ctx context.Context, path string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return taskerr.Wrap(taskerr.CodeInternal, "model-client", err, "build request")
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return c.mapTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return taskerr.Newf(taskerr.CodeModelUnreachable, "model-client", "runtime status %d on %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return taskerr.Wrap(taskerr.CodeModelUnreachable, "model-client", err, "malformed runtime response")
	}
	return nil
}

// mapTransportError classifies a failed round trip. Deadline expiry is a
// model timeout; caller cancellation passes through; anything else means
// the runtime is unreachable.
func (c *OllamaClient) mapTransportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return taskerr.Wrap(taskerr.CodeModelTimeout, "model-client", err, "request deadline exceeded")
	case errors.Is(err, context.Canceled):
		return taskerr.FromContext("model-client", ctx.Err())
	default:
		return taskerr.Wrap(taskerr.CodeModelUnreachable, "model-client", err, "runtime unreachable")
	}
}

// mapStatusError classifies a non-2xx status. 404 means the model is not
// available on this runtime; that is health-gate evidence, not a retry.
func (c *OllamaClient) mapStatusError(resp *http.Response, model string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := strings.TrimSpace(string(raw))
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
		detail = eb.Error
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return taskerr.Newf(taskerr.CodeModelUnavailable, "model-client", "model %q not available: %s", model, detail)
	case resp.StatusCode == http.StatusBadRequest:
		return taskerr.Newf(taskerr.CodeInternal, "model-client", "runtime rejected request: %s", detail)
	default:
		return taskerr.Newf(taskerr.CodeModelUnreachable, "model-client", "runtime status %d: %s", resp.StatusCode, detail)
	}
}

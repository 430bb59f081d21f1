package ai

import (
	"context"
	"time"
)

// Options are the generation knobs forwarded to the model runtime.
// Unknown options on the runtime side are ignored.
type Options struct {
	Temperature float64  `json:"temperature,omitempty"`
	NumCtx      int      `json:"num_ctx,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// Request is one generation call against a concrete model.
type Request struct {
	Model   string
	Prompt  string
	Options Options
}

// Response is a completed generation with its token accounting.
type Response struct {
	Text      string
	TokensIn  int
	TokensOut int
	Elapsed   time.Duration
	Done      bool
}

// ModelInfo describes one model the runtime knows about.
type ModelInfo struct {
	Name   string
	Loaded bool
}

// Client talks to a local model runtime.
type Client interface {
	Name() string
	Models(ctx context.Context) ([]ModelInfo, error)
	Generate(ctx context.Context, req Request) (Response, error)
}

package ai

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/local/tenderpipe/internal/job"
	"github.com/local/tenderpipe/internal/metrics"
	"github.com/local/tenderpipe/internal/taskerr"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// repairReplyLimit caps how much of an unparseable reply is echoed back
// in the repair prompt.
const repairReplyLimit = 2000

// ExtractJSON returns the first balanced JSON object in text. Models tend
// to wrap their JSON in prose or markdown fences; this scans past that,
// tracking strings and escapes so braces inside values do not miscount.
func ExtractJSON(text string) (json.RawMessage, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i, r := range text {
		if start == -1 {
			if r == '{' {
				start = i
				depth = 1
			}
			continue
		}
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return json.RawMessage(text[start : i+1]), true
				}
			}
		}
	}
	return nil, false
}

// ParseStructured locates the JSON object in a model reply, decodes it
// into the task's result schema and validates it. The returned raw bytes
// are the canonical re-marshaled form, so equal values are byte-equal.
func ParseStructured(kind job.TaskKind, text string) (json.RawMessage, any, error) {
	raw, ok := ExtractJSON(text)
	if !ok {
		return nil, nil, taskerr.New(taskerr.CodeModelOutputInvalid, "model-client", "no JSON object in model reply")
	}

	val, ok := job.NewResultValue(kind)
	if !ok {
		return nil, nil, taskerr.Newf(taskerr.CodeInternal, "model-client", "task %s has no result schema", kind)
	}
	if err := json.Unmarshal(raw, val); err != nil {
		return nil, nil, taskerr.Wrap(taskerr.CodeModelOutputInvalid, "model-client", err, "reply does not match schema")
	}
	if rr, ok := val.(*job.RiskReport); ok && rr.Level == "" {
		rr.Level = job.RiskLevelForScore(rr.Score)
	}
	if err := validate.Struct(val); err != nil {
		return nil, nil, taskerr.Wrap(taskerr.CodeModelOutputInvalid, "model-client", err, "reply failed schema validation")
	}

	canonical, err := json.Marshal(val)
	if err != nil {
		return nil, nil, taskerr.Wrap(taskerr.CodeInternal, "model-client", err, "re-marshal structured value")
	}
	return canonical, val, nil
}

// GenerateStructured runs a model call whose reply must parse into the
// task's schema. An unparseable reply earns exactly one repair attempt
// before model-output-invalid surfaces. Token and latency counters cover
// every call made.
func (inv *Invoker) GenerateStructured(ctx context.Context, kind job.TaskKind, req Request, timeout time.Duration) (Response, json.RawMessage, error) {
	resp, err := inv.Invoke(ctx, req, timeout)
	if err != nil {
		return Response{}, nil, err
	}

	structured, _, perr := ParseStructured(kind, resp.Text)
	if perr == nil {
		return resp, structured, nil
	}
	if !taskerr.Is(perr, taskerr.CodeModelOutputInvalid) {
		return Response{}, nil, perr
	}

	log.Warn().
		Err(perr).
		Str("task", string(kind)).
		Str("model", req.Model).
		Msg("model reply unparseable, attempting repair")
	metrics.IncRepair()

	repair := req
	repair.Prompt = repairPrompt(req.Prompt, resp.Text)
	resp2, err := inv.Invoke(ctx, repair, timeout)
	if err != nil {
		return Response{}, nil, err
	}
	structured, _, perr = ParseStructured(kind, resp2.Text)
	if perr != nil {
		return Response{}, nil, perr
	}

	resp2.TokensIn += resp.TokensIn
	resp2.TokensOut += resp.TokensOut
	resp2.Elapsed += resp.Elapsed
	return resp2, structured, nil
}

func repairPrompt(original, invalidReply string) string {
	if runes := []rune(invalidReply); len(runes) > repairReplyLimit {
		invalidReply = string(runes[:repairReplyLimit])
	}
	return original +
		"\n\nYour previous reply could not be parsed as the required JSON object. Previous reply:\n---\n" +
		invalidReply +
		"\n---\nRe-emit your answer now as a single valid JSON object with exactly the required fields and nothing else."
}

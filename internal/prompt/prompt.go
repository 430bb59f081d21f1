// Package prompt holds the versioned prompt templates and renders them
// into finalized model prompts. Rendering is pure: the same task,
// version, tier and inputs always produce the same prompt.
package prompt

import (
	"bytes"
	"embed"
	"sort"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"

	"github.com/local/tenderpipe/internal/job"
	"github.com/local/tenderpipe/internal/taskerr"
)

//go:embed templates/*
var templateFS embed.FS

// catalogDoc mirrors templates/catalog.toml.
type catalogDoc struct {
	Templates []struct {
		Task     string   `toml:"task"`
		Version  string   `toml:"version"`
		File     string   `toml:"file"`
		Required []string `toml:"required"`
	} `toml:"templates"`
}

type entry struct {
	tmpl     *template.Template
	required []string
}

// Library resolves task kinds to parsed templates of one catalog version.
type Library struct {
	version string
	entries map[job.TaskKind]*entry
}

// NewLibrary loads the embedded catalog and parses every template of the
// requested version. Model-bound task kinds without a template for that
// version are a startup error.
func NewLibrary(version string) (*Library, error) {
	raw, err := templateFS.ReadFile("templates/catalog.toml")
	if err != nil {
		return nil, taskerr.Wrap(taskerr.CodeInternal, "prompt", err, "read template catalog")
	}
	var doc catalogDoc
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, taskerr.Wrap(taskerr.CodeInternal, "prompt", err, "parse template catalog")
	}

	lib := &Library{version: version, entries: make(map[job.TaskKind]*entry)}
	for _, t := range doc.Templates {
		if t.Version != version {
			continue
		}
		body, err := templateFS.ReadFile("templates/" + t.File)
		if err != nil {
			return nil, taskerr.Wrap(taskerr.CodeInternal, "prompt", err, "read template "+t.File)
		}
		tmpl, err := template.New(t.File).Option("missingkey=zero").Parse(string(body))
		if err != nil {
			return nil, taskerr.Wrap(taskerr.CodeInternal, "prompt", err, "parse template "+t.File)
		}
		lib.entries[job.TaskKind(t.Task)] = &entry{tmpl: tmpl, required: t.Required}
	}

	for _, kind := range []job.TaskKind{job.TaskExtractTender, job.TaskAnalyzeRisk, job.TaskGenerateQuotation} {
		if _, ok := lib.entries[kind]; !ok {
			return nil, taskerr.Newf(taskerr.CodeInternal, "prompt",
				"catalog version %s has no template for task %s", version, kind)
		}
	}
	log.Info().Str("version", version).Int("templates", len(lib.entries)).Msg("prompt library loaded")
	return lib, nil
}

// Version is the catalog version this library renders.
func (l *Library) Version() string { return l.version }

// Rendered is a finalized prompt plus how it was produced.
type Rendered struct {
	Prompt          string
	Version         string
	Truncated       bool
	TruncatedFields []string
}

// ContextBudget is the prompt token allowance per tier. The rest of the
// model context window is reserved for the response.
func ContextBudget(tier job.Tier) int {
	switch tier {
	case job.TierSmall:
		return 3 * 1024
	case job.TierLarge:
		return 24 * 1024
	default:
		return 6 * 1024
	}
}

// Render produces the finalized prompt for one task. Inputs over the
// tier's context budget are cut from the tail of the longest field until
// the prompt fits, and the cut fields are reported.
func (l *Library) Render(task job.TaskKind, inputs map[string]string, tier job.Tier) (*Rendered, error) {
	ent, ok := l.entries[task]
	if !ok {
		return nil, taskerr.Newf(taskerr.CodeInternal, "prompt", "no template for task %s", task)
	}
	for _, key := range ent.required {
		if strings.TrimSpace(inputs[key]) == "" {
			return nil, taskerr.Newf(taskerr.CodePromptInputMissing, "prompt",
				"required prompt input %q is missing", key)
		}
	}

	fields := make(map[string]string, len(inputs))
	for k, v := range inputs {
		fields[k] = v
	}

	out := &Rendered{Version: l.version}
	budget := ContextBudget(tier)
	for i := 0; i < 16; i++ {
		prompt, err := execute(ent.tmpl, fields)
		if err != nil {
			return nil, err
		}
		over := promptTokens(prompt) - budget
		if over <= 0 {
			out.Prompt = prompt
			return out, nil
		}
		field, length := longestField(fields)
		if length == 0 {
			// Template scaffolding alone exceeds the budget. Send the
			// oversize prompt rather than an empty one.
			out.Prompt = prompt
			return out, nil
		}
		cut := over * 4
		if cut > length {
			cut = length
		}
		fields[field] = trimTail(fields[field], length-cut)
		out.Truncated = true
		if !contains(out.TruncatedFields, field) {
			out.TruncatedFields = append(out.TruncatedFields, field)
		}
		log.Debug().Str("task", string(task)).Str("field", field).Int("cut_runes", cut).Msg("prompt input truncated")
	}
	return nil, taskerr.Newf(taskerr.CodeInternal, "prompt", "truncation did not converge for task %s", task)
}

func execute(tmpl *template.Template, fields map[string]string) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, fields); err != nil {
		return "", taskerr.Wrap(taskerr.CodeInternal, "prompt", err, "template execution failed")
	}
	return buf.String(), nil
}

// promptTokens estimates tokens as ceil(runes/4), matching the extractor's
// estimate so budgets compose.
func promptTokens(s string) int {
	runes := utf8.RuneCountInString(s)
	return (runes + 3) / 4
}

// longestField picks the field to truncate next. Ties break on key order
// so truncation is deterministic.
func longestField(fields map[string]string) (string, int) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	best, bestLen := "", 0
	for _, k := range keys {
		if n := utf8.RuneCountInString(fields[k]); n > bestLen {
			best, bestLen = k, n
		}
	}
	return best, bestLen
}

func trimTail(s string, keep int) string {
	if keep <= 0 {
		return ""
	}
	runes := []rune(s)
	if keep >= len(runes) {
		return s
	}
	return string(runes[:keep])
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

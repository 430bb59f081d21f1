package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "crlf", in: "a\r\nb\rc", want: "a\nb\nc"},
		{name: "trailing_whitespace", in: "line  \nnext\t\t\n", want: "line\nnext"},
		{name: "blank_runs_collapse", in: "a\n\n\n\n\nb", want: "a\n\nb"},
		{name: "leading_blanks_dropped", in: "\n\n\na", want: "a"},
		{name: "trailing_blanks_dropped", in: "a\n\n\n", want: "a"},
		{name: "whitespace_only_lines_are_blank", in: "a\n   \n\t\nb", want: "a\n\nb"},
		{name: "nfc_composition", in: "café", want: "café"},
		{name: "interior_spaces_kept", in: "a  b", want: "a  b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeText(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, normalizeText(got), "normalization must be idempotent")
		})
	}
}

func TestDecodeUTF8(t *testing.T) {
	assert.Equal(t, "hi", decodeUTF8([]byte{0xEF, 0xBB, 0xBF, 'h', 'i'}))
	assert.Equal(t, "olá", decodeUTF8([]byte("olá")))
	assert.Equal(t, "a�b", decodeUTF8([]byte{'a', 0xFF, 'b'}))
	assert.Equal(t, "", decodeUTF8(nil))
}

func TestPrintableCountAndQuality(t *testing.T) {
	assert.Equal(t, 0, printableCount(""))
	assert.Equal(t, 4, printableCount("ab\n\t"))
	assert.Equal(t, 2, printableCount("a�b"), "replacement runes carry no signal")

	assert.Equal(t, 0.0, qualityScore(""))
	assert.Equal(t, 1.0, qualityScore("clean text"))
	assert.InDelta(t, 0.5, qualityScore("a�b�"), 1e-9)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, estimateTokens(""))
	assert.Equal(t, 1, estimateTokens("abcd"))
	assert.Equal(t, 2, estimateTokens("abcde"))
	assert.Equal(t, 4, estimateTokens("Hello, world!"))
	assert.Equal(t, 25, estimateTokens(strings.Repeat("é", 100)), "counts runes, not bytes")
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "english",
			text: "The tender must be submitted for review and it is important that you do not miss this deadline on the portal by the due date with all forms attached.",
			want: "en",
		},
		{
			name: "portuguese",
			text: "O edital do concurso deve ser lido com atenção para que não se perca o prazo de entrega da proposta em uma das sessões que ocorrem no tribunal por mais de um dia.",
			want: "pt",
		},
		{
			name: "too_short",
			text: "hello world",
			want: "unknown",
		},
		{
			name: "gibberish",
			text: "zzz qqq kkk www xxyzzy flurble snark grommet",
			want: "unknown",
		},
		{
			name: "empty",
			text: "",
			want: "unknown",
		},
		{
			name: "tie_breaks_by_fixed_order",
			text: "por por por",
			want: "pt",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectLanguage(tt.text))
		})
	}
}

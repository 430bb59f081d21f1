package extract

import (
	"bytes"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// decodeUTF8 interprets raw bytes as UTF-8, replacing invalid sequences
// with U+FFFD and stripping a leading byte order mark. The replacement
// runes stay visible in the output and count against the quality score.
func decodeUTF8(data []byte) string {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if utf8.Valid(data) {
		return string(data)
	}
	var sb strings.Builder
	sb.Grow(len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(utf8.RuneError)
		} else {
			sb.Write(data[:size])
		}
		data = data[size:]
	}
	return sb.String()
}

// normalizeText canonicalizes extracted text: NFC form, LF line endings,
// no trailing whitespace per line, at most one blank line between
// paragraphs. Idempotent, so re-normalizing assembled page text is a
// no-op and recorded page offsets stay valid.
func normalizeText(s string) string {
	s = norm.NFC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	var sb strings.Builder
	sb.Grow(len(s))
	blanks := 0
	wrote := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			blanks++
			continue
		}
		if wrote {
			if blanks > 0 {
				sb.WriteString("\n\n")
			} else {
				sb.WriteByte('\n')
			}
		}
		sb.WriteString(line)
		blanks = 0
		wrote = true
	}
	return sb.String()
}

// printableCount counts runes that carry signal: graphic characters plus
// ordinary spacing. Replacement runes from decode failures are excluded
// so corrupt input drags the quality score down.
func printableCount(s string) int {
	n := 0
	for _, r := range s {
		if r == utf8.RuneError {
			continue
		}
		if unicode.IsGraphic(r) || r == '\n' || r == '\t' {
			n++
		}
	}
	return n
}

// qualityScore is the printable fraction of the text, clamped to [0,1].
// Empty text scores zero.
func qualityScore(s string) float64 {
	total := utf8.RuneCountInString(s)
	if total == 0 {
		return 0
	}
	q := float64(printableCount(s)) / float64(total)
	if q < 0 {
		return 0
	}
	if q > 1 {
		return 1
	}
	return q
}

// estimateTokens approximates the LLM token count as ceil(runes/4).
func estimateTokens(s string) int {
	runes := utf8.RuneCountInString(s)
	if runes == 0 {
		return 0
	}
	return (runes + 3) / 4
}

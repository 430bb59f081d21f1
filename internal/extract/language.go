package extract

import (
	"strings"
	"unicode"
)

// langSampleWords caps how many words the detector scores. Tender documents
// front-load boilerplate in the document language, so a prefix sample is
// representative and keeps detection O(1) in document size.
const langSampleWords = 600

// minLangHits is the stopword-hit floor below which the detector reports
// "unknown" instead of guessing.
const minLangHits = 3

var stopwords = map[string]map[string]struct{}{
	"en": wordSet("the", "be", "to", "of", "and", "a", "in", "that", "have", "it", "for", "not", "on", "with", "as", "you", "do", "at", "this", "by"),
	"pt": wordSet("de", "a", "o", "que", "e", "do", "da", "em", "um", "para", "com", "não", "uma", "os", "no", "se", "na", "por", "mais", "as"),
	"es": wordSet("el", "de", "que", "y", "a", "en", "un", "es", "se", "no", "lo", "le", "su", "por", "son", "con", "para", "al", "del", "las"),
	"fr": wordSet("le", "de", "et", "un", "il", "être", "à", "dans", "ne", "la", "les", "son", "que", "pour", "se", "ce", "en", "du", "une", "est"),
	"de": wordSet("der", "die", "und", "in", "den", "von", "zu", "das", "mit", "sich", "des", "auf", "für", "ist", "im", "dem", "nicht", "ein", "eine", "als"),
}

func wordSet(words ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(words))
	for _, w := range words {
		s[w] = struct{}{}
	}
	return s
}

// detectLanguage scores a prefix of the text against per-language stopword
// sets and returns the ISO 639-1 code with the most hits, or "unknown"
// when no language clears the floor. Ties break toward the earlier entry
// of a fixed order so the result is deterministic.
func detectLanguage(text string) string {
	if text == "" {
		return "unknown"
	}

	words := strings.Fields(strings.ToLower(text))
	if len(words) > langSampleWords {
		words = words[:langSampleWords]
	}

	scores := make(map[string]int, len(stopwords))
	for _, word := range words {
		word = strings.TrimFunc(word, func(r rune) bool {
			return !unicode.IsLetter(r)
		})
		if len(word) < 2 {
			continue
		}
		for lang, set := range stopwords {
			if _, ok := set[word]; ok {
				scores[lang]++
			}
		}
	}

	best := "unknown"
	bestScore := minLangHits - 1
	for _, lang := range []string{"en", "pt", "es", "fr", "de"} {
		if scores[lang] > bestScore {
			best = lang
			bestScore = scores[lang]
		}
	}
	return best
}

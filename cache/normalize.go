package cache

import "strings"

// Normalize canonicalizes a prompt for exact-match lookup and for lexical
// scoring: surrounding whitespace is trimmed, interior whitespace runs
// collapse to a single space, and the result is lowercased. Punctuation is
// preserved so distinct questions stay distinct.
func Normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

var contractions = map[string]string{
	"what's":  "what is",
	"who's":   "who is",
	"where's": "where is",
	"how's":   "how is",
	"it's":    "it is",
	"don't":   "do not",
	"doesn't": "does not",
	"can't":   "cannot",
	"won't":   "will not",
	"isn't":   "is not",
	"aren't":  "are not",
}

var questionStarters = []string{
	"what is ",
	"tell me about ",
	"explain ",
	"describe ",
	"define ",
}

// Expand produces deterministic paraphrase variants of a normalized prompt.
// Contractions are expanded first; if the prompt opens with a known question
// starter, the remaining variants swap it for each of the other starters. The
// input itself is never included and the order is fixed.
func Expand(promptNorm string) []string {
	var variants []string
	seen := map[string]bool{promptNorm: true}
	add := func(v string) {
		if !seen[v] {
			seen[v] = true
			variants = append(variants, v)
		}
	}

	words := strings.Split(promptNorm, " ")
	changed := false
	for i, w := range words {
		if full, ok := contractions[w]; ok {
			words[i] = full
			changed = true
		}
	}
	expanded := promptNorm
	if changed {
		expanded = strings.Join(words, " ")
		add(expanded)
	}

	for _, starter := range questionStarters {
		if rest, ok := strings.CutPrefix(expanded, starter); ok {
			for _, other := range questionStarters {
				if other != starter {
					add(other + rest)
				}
			}
			break
		}
	}
	return variants
}

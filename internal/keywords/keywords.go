// Package keywords tokenizes issue text and matches it against manifesto terms.
package keywords

import (
	"sort"
	"strings"
	"unicode"
)

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "being": true, "have": true, "has": true,
	"had": true, "do": true, "does": true, "did": true, "will": true, "would": true,
	"could": true, "should": true, "may": true, "might": true, "can": true, "shall": true,
	"to": true, "of": true, "in": true, "for": true, "on": true, "with": true, "at": true,
	"by": true, "from": true, "as": true, "into": true, "through": true, "during": true,
	"before": true, "after": true, "above": true, "below": true, "and": true, "but": true,
	"or": true, "nor": true, "not": true, "so": true, "yet": true, "both": true,
	"either": true, "neither": true, "each": true, "every": true, "all": true, "any": true,
	"few": true, "more": true, "most": true, "other": true, "some": true, "such": true,
	"no": true, "only": true, "own": true, "same": true, "than": true, "too": true,
	"very": true, "just": true, "how": true, "what": true, "which": true, "who": true,
	"whom": true, "this": true, "that": true, "these": true, "those": true, "it": true,
	"its": true, "new": true, "about": true, "up": true, "out": true, "one": true,
	"two": true, "also": true, "like": true, "get": true, "use": true, "our": true,
	"we": true, "their": true, "they": true, "them": true, "there": true, "here": true,
}

// Tokenize lowercases text and splits it into content words, dropping stop
// words and anything shorter than three characters.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 2 && !stopWords[f] {
			out = append(out, f)
		}
	}
	return out
}

// Terms builds the term set of a list of phrases.
func Terms(phrases []string) map[string]bool {
	set := make(map[string]bool)
	for _, p := range phrases {
		for _, t := range Tokenize(p) {
			set[t] = true
		}
	}
	return set
}

// Match returns the distinct tokens found in the term set, sorted.
func Match(tokens []string, terms map[string]bool) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range tokens {
		if terms[t] && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// ContainsPhrase reports whether text contains the phrase, case-insensitively.
func ContainsPhrase(text, phrase string) bool {
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	if phrase == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), phrase)
}

// Label returns up to n of the most frequent words across texts, title-cased.
// Ties break alphabetically.
func Label(texts []string, n int) string {
	counts := make(map[string]int)
	for _, text := range texts {
		for _, w := range Tokenize(text) {
			counts[w]++
		}
	}

	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > n {
		words = words[:n]
	}
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// Slug turns a phrase into a lowercase, dash-separated identifier.
func Slug(phrase string) string {
	return strings.Join(Tokenize(phrase), "-")
}

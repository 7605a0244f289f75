package similarity

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/thebtf/promptcluster/pkg/models"
)

// DefaultKeywordCount is the number of keywords kept per prompt of a similar pair.
const DefaultKeywordCount = 10

// stopWords are common English words that carry no intent.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "must": true, "shall": true,
	"this": true, "that": true, "these": true, "those": true,
	"and": true, "or": true, "but": true, "if": true, "then": true,
	"for": true, "from": true, "with": true, "about": true, "into": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "by": true,
	"it": true, "its": true, "which": true, "who": true, "what": true,
	"when": true, "where": true, "how": true, "why": true, "please": true,
}

// ExtractTerms tokenizes a prompt into a set of meaningful terms.
// Latin words shorter than three characters and stop words are dropped;
// ideographic characters (CJK prompts have no spaces) each count as a term.
func ExtractTerms(text string) map[string]bool {
	terms := make(map[string]bool)
	for _, t := range tokenize(text) {
		terms[t] = true
	}
	return terms
}

// tokenize returns the terms of text in order, repeats included.
func tokenize(text string) []string {
	var (
		tokens []string
		word   strings.Builder
	)
	flush := func() {
		if w := word.String(); len([]rune(w)) >= 3 && !stopWords[w] {
			tokens = append(tokens, w)
		}
		word.Reset()
	}

	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			word.WriteRune(r)
		default:
			flush()
		}
	}
	flush()

	return tokens
}

// KeywordIndex weights the terms of a prompt by TF-IDF, with document
// frequencies taken from one user's prompt history.
type KeywordIndex struct {
	docFreq map[string]int
	docs    int
}

// NewKeywordIndex counts, for each term, how many of texts contain it.
func NewKeywordIndex(texts []string) *KeywordIndex {
	idx := &KeywordIndex{docFreq: make(map[string]int), docs: len(texts)}
	for _, text := range texts {
		for term := range ExtractTerms(text) {
			idx.docFreq[term]++
		}
	}
	return idx
}

// Top returns at most k terms of text by descending weight, ties broken by
// term. The weight is term frequency within text times the smoothed inverse
// document frequency ln((N+1)/(df+1)) + 1.
func (idx *KeywordIndex) Top(text string, k int) []models.Keyword {
	tokens := tokenize(text)
	if len(tokens) == 0 || k <= 0 {
		return nil
	}

	counts := make(map[string]int, len(tokens))
	for _, t := range tokens {
		counts[t]++
	}

	keywords := make([]models.Keyword, 0, len(counts))
	for term, n := range counts {
		idf := math.Log(float64(idx.docs+1)/float64(idx.docFreq[term]+1)) + 1
		keywords = append(keywords, models.Keyword{
			Term:   term,
			Weight: float64(n) / float64(len(tokens)) * idf,
		})
	}
	sort.Slice(keywords, func(i, j int) bool {
		if keywords[i].Weight != keywords[j].Weight {
			return keywords[i].Weight > keywords[j].Weight
		}
		return keywords[i].Term < keywords[j].Term
	})

	if len(keywords) > k {
		keywords = keywords[:k]
	}
	return keywords
}

// JaccardSimilarity calculates the Jaccard similarity between two term sets.
// Returns a value between 0 (no overlap) and 1 (identical).
func JaccardSimilarity(set1, set2 map[string]bool) float64 {
	if len(set1) == 0 && len(set2) == 0 {
		return 1.0
	}
	if len(set1) == 0 || len(set2) == 0 {
		return 0.0
	}

	intersection := 0
	for term := range set1 {
		if set2[term] {
			intersection++
		}
	}

	union := len(set1) + len(set2) - intersection
	return float64(intersection) / float64(union)
}

// TermDiff lists which terms two prompts share and which are unique to each.
// All slices are sorted.
type TermDiff struct {
	UniqueToFirst  []string
	UniqueToSecond []string
	Common         []string
}

// DiffTerms compares the term sets of two prompts.
func DiffTerms(first, second string) TermDiff {
	a, b := ExtractTerms(first), ExtractTerms(second)

	var diff TermDiff
	for term := range a {
		if b[term] {
			diff.Common = append(diff.Common, term)
		} else {
			diff.UniqueToFirst = append(diff.UniqueToFirst, term)
		}
	}
	for term := range b {
		if !a[term] {
			diff.UniqueToSecond = append(diff.UniqueToSecond, term)
		}
	}

	sort.Strings(diff.UniqueToFirst)
	sort.Strings(diff.UniqueToSecond)
	sort.Strings(diff.Common)
	return diff
}

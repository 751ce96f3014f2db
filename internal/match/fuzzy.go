// Package match scores listing-row text against a plan's slot description.
// Listing text varies slightly between page loads (extra whitespace,
// duplicated words, trailing time suffixes), so slot lookup falls back from
// exact substring matching to an edit-distance similarity with a fixed
// acceptance threshold.
package match

import "strings"

// AcceptThreshold is the minimum similarity at which a fuzzy match is
// trusted. Below it, an unrelated row is more likely than a noisy rendering
// of the target.
const AcceptThreshold = 0.8

// Normalize lowercases and collapses whitespace runs so scoring is not
// dominated by formatting noise.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Similarity returns a score in [0,1]: 1.0 for identical strings (after
// normalization), trending to 0 as edit distance approaches the longer
// string's length.
func Similarity(a, b string) float64 {
	a, b = Normalize(a), Normalize(b)
	if a == b {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	return 1.0 - float64(levenshtein(a, b))/float64(longest)
}

// ContainsFold reports whether haystack contains needle, case-insensitively
// and whitespace-normalized.
func ContainsFold(haystack, needle string) bool {
	return strings.Contains(Normalize(haystack), Normalize(needle))
}

// BestMatch returns the index and score of the row most similar to target,
// or (-1, 0) for an empty row set.
func BestMatch(target string, rows []string) (int, float64) {
	best, bestScore := -1, 0.0
	for i, row := range rows {
		if s := Similarity(target, row); s > bestScore {
			best, bestScore = i, s
		}
	}
	return best, bestScore
}

// levenshtein computes edit distance with the two-row dynamic program.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

package station

import (
	"regexp"
	"sort"
	"strings"

	"github.com/mozillazg/go-unidecode"
	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"
)

var nonWord = regexp.MustCompile(`[^a-z0-9\s]+`)

// NormalizeName folds a station name for comparison: diacritics removed,
// lowercased, punctuation and control characters (tabs included) replaced by
// spaces, whitespace collapsed and tokens sorted.
func NormalizeName(name string) string {
	name = unidecode.Unidecode(name)
	name = strings.ToLower(name)
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, name)
	name = strings.ReplaceAll(name, "'", "")
	name = nonWord.ReplaceAllString(name, " ")

	tokens := strings.Fields(name)
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

// NameSimilarity scores two station names in [0,1]. Names that normalize to
// the same non-empty text score 1; an empty name scores 0 against anything.
// The arguments are put in a fixed order before scoring so the result is
// symmetric regardless of how the underlying ratio treats its inputs.
func NameSimilarity(a, b string) float64 {
	na, nb := NormalizeName(a), NormalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	if nb < na {
		na, nb = nb, na
	}

	score := float64(fuzzy.Ratio(na, nb)) / 100
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}

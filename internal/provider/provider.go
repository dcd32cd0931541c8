// SPDX-License-Identifier: MIT

// Package provider defines the canonical streaming-provider vocabulary and
// the normalisation pipeline that maps a remote catalogue's free-text
// provider name into it: an explicit table, then an optional bounded fuzzy
// match, then a deterministic generic fallback.
package provider

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Kind is the monetisation model of an Offer.
type Kind string

const (
	KindSubscription Kind = "subscription"
	KindRent         Kind = "rent"
	KindBuy          Kind = "buy"
	KindFree         Kind = "free"
	KindAds          Kind = "ads"
)

// Canonical identifies a streaming provider in a specific country.
type Canonical struct {
	Key     string // stable lowercase-hyphen slug, e.g. "netflix"
	Country string // 2-letter ISO-3166-1, uppercase
	Kind    Kind
}

// Offer is what a source reports for one canonical provider in one country.
// Seasons is an optional per-season breakdown; most catalogue APIs only
// report series-level availability, in which case it is left nil and the
// planner degrades to series-level matching.
type Offer struct {
	Kind      Kind   `json:"kind"`
	Link      string `json:"link,omitempty"`
	Quality   string `json:"quality,omitempty"`
	ExpiresAt *int64 `json:"expiresAt,omitempty"` // unix seconds, optional
	Source    string `json:"source"`
	Seasons   []int  `json:"seasons,omitempty"`
}

// table is the explicit, authoritative name -> canonical-key mapping.
// Longest-matching-prefix wins so regional suffixes ("Netflix Germany")
// normalise to the base slug before any fuzzy/generic fallback runs.
var table = map[string]string{
	"netflix":            "netflix",
	"amazon prime video": "amazon-prime",
	"amazon video":       "amazon-prime",
	"prime video":        "amazon-prime",
	"disney+":            "disney-plus",
	"disney plus":        "disney-plus",
	"hbo max":            "hbo-max",
	"max":                "hbo-max",
	"apple tv+":          "apple-tv",
	"apple tv plus":      "apple-tv",
	"apple itunes":       "apple-tv",
	"paramount+":         "paramount-plus",
	"paramount plus":     "paramount-plus",
	"hulu":               "hulu",
	"sky go":             "sky-go",
	"now tv":             "sky-go",
	"peacock":            "peacock",
	"youtube":            "youtube",
	"google play movies": "youtube",
	"crunchyroll":        "crunchyroll",
}

// orderedNames is `table`'s keys sorted longest-first so prefix matching is
// deterministic regardless of map iteration order.
var orderedNames []string

func init() {
	orderedNames = make([]string, 0, len(table))
	for k := range table {
		orderedNames = append(orderedNames, k)
	}
	// insertion sort by length descending; the table is small and static.
	for i := 1; i < len(orderedNames); i++ {
		for j := i; j > 0 && len(orderedNames[j]) > len(orderedNames[j-1]); j-- {
			orderedNames[j], orderedNames[j-1] = orderedNames[j-1], orderedNames[j]
		}
	}
}

var caser = cases.Lower(language.Und)

// fold lowercases, strips diacritics and trims the input deterministically
// so that "Amazon Prime Vidéo" and "amazon prime video" normalise alike.
func fold(s string) string {
	s = norm.NFKD.String(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.Is(unicode.Mn, r) { // skip combining marks (diacritics)
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(caser.String(b.String()))
}

// Normalize maps a remote catalogue's free-text provider name to a canonical
// key. It is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(name string) string {
	folded := fold(name)
	if folded == "" {
		return ""
	}

	// Already-canonical input (idempotence: a previous Normalize output
	// round-trips through fold() unchanged. "netflix" matches its own
	// table entry here; a hyphenated key such as "amazon-prime" or
	// "disney-plus" matches no entry by prefix and is mapped back to
	// itself by the fuzzy or generic stage below.)
	for _, name := range orderedNames {
		if strings.HasPrefix(folded, name) {
			return table[name]
		}
	}

	if key, ok := fuzzyMatch(folded); ok {
		return key
	}

	return genericFallback(folded)
}

// fuzzyMatch applies a bounded similarity check (>= 0.8) against the known
// table before falling back to the generic slug algorithm. It never learns
// new mappings.
func fuzzyMatch(folded string) (string, bool) {
	best := ""
	bestScore := 0.0
	for _, name := range orderedNames {
		score := similarity(folded, name)
		if score > bestScore {
			bestScore = score
			best = name
		}
	}
	if bestScore >= 0.8 {
		return table[best], true
	}
	return "", false
}

// similarity returns a normalised Levenshtein similarity in [0, 1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	dist := levenshtein(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	return 1 - float64(dist)/float64(maxLen)
}

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
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			min := del
			if ins < min {
				min = ins
			}
			if sub < min {
				min = sub
			}
			curr[j] = min
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// genericFallback strips non-alphanumerics to hyphens, collapses runs, and
// trims: the deterministic catch-all for anything not in the explicit table
// and not close enough for the fuzzy match.
func genericFallback(folded string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

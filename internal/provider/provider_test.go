// SPDX-License-Identifier: MIT

package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize_ExplicitTable(t *testing.T) {
	cases := map[string]string{
		"Netflix":            "netflix",
		"Amazon Prime Video": "amazon-prime",
		"Prime Video":        "amazon-prime",
		"Disney+":            "disney-plus",
		"Disney Plus":        "disney-plus",
		"HBO Max":            "hbo-max",
		"Apple TV+":          "apple-tv",
		"Paramount+":         "paramount-plus",
		"Hulu":               "hulu",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), "input %q", in)
	}
}

func TestNormalize_RegionalSuffixPrefersLongestTableMatch(t *testing.T) {
	// "Netflix Germany" should fold to the base slug via prefix matching,
	// not fall through to the generic fallback.
	assert.Equal(t, "netflix", Normalize("Netflix Germany"))
}

func TestNormalize_FuzzyMatchWithinBound(t *testing.T) {
	// A single-character typo of "netflix" (distance 1, similarity ~0.857)
	// should still resolve via the bounded fuzzy stage, not the generic
	// fallback.
	assert.Equal(t, "netflix", Normalize("Netflux"))
}

func TestNormalize_FuzzyMatchBelowBoundFallsThrough(t *testing.T) {
	// Too dissimilar to any table entry (similarity < 0.8): falls all the
	// way to the generic fallback instead of a wrong fuzzy guess.
	assert.Equal(t, "netlfix", Normalize("Netlfix"))
}

func TestNormalize_GenericFallback(t *testing.T) {
	assert.Equal(t, "some-obscure-streamer", Normalize("Some Obscure Streamer!!"))
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{"Netflix", "Amazon Prime Vidéo", "Some Obscure Streamer!!", ""}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		assert.Equal(t, once, twice, "Normalize(Normalize(%q))", in)
	}
}

func TestNormalize_Empty(t *testing.T) {
	assert.Equal(t, "", Normalize(""))
	assert.Equal(t, "", Normalize("   "))
}

func TestNormalize_DiacriticsStripped(t *testing.T) {
	assert.Equal(t, "amazon-prime", Normalize("Amazon Prime Vidéo"))
}

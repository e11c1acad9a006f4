package lrc

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	reBracketed = regexp.MustCompile(`\s*[(（\[【][^)）\]】]*[)）\]】]`)
	reFeat      = regexp.MustCompile(`(?i)\s+(feat\.?|ft\.?)\s+.*$`)
	reWith      = regexp.MustCompile(`(?i)\s+with\s+.*$`)
	reSymbol    = regexp.MustCompile(`[^\p{L}\p{N}\s]`)
	reWordTag   = regexp.MustCompile(`<\d+:\d+(?:[.:]\d+)?>`)
	reParen     = regexp.MustCompile(`[(（][^()（）]*[)）]`)
	reNonWord   = regexp.MustCompile(`[^\p{L}\p{M}\p{N}\p{Pc}]`)
)

const sourceIdentityPrefix = "source:"

// CollapseSpace trims s and folds every whitespace run into a single space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// FoldText is the comparison form of a lyric line: collapsed and case folded.
func FoldText(s string) string {
	return strings.ToLower(CollapseSpace(s))
}

// NormalizeArtist reduces an artist name to its matching key.
func NormalizeArtist(name string) string {
	n := strings.ToLower(name)
	n = reBracketed.ReplaceAllString(n, "")
	n = reFeat.ReplaceAllString(n, "")
	n = reWith.ReplaceAllString(n, "")
	return stripSymbols(n)
}

// NormalizeTitle reduces a track title to its matching key. Unlike artists, a
// trailing "with ..." is part of many titles and is kept.
func NormalizeTitle(title string) string {
	n := strings.ToLower(title)
	n = reBracketed.ReplaceAllString(n, "")
	n = reFeat.ReplaceAllString(n, "")
	return stripSymbols(n)
}

func stripSymbols(s string) string {
	s = reSymbol.ReplaceAllString(s, "")
	return CollapseSpace(s)
}

// Identity derives the track identity key. Sources without usable metadata fall
// back to a key scoped to the source itself.
func Identity(artist, title, sourceID string) string {
	a := NormalizeArtist(artist)
	t := NormalizeTitle(title)
	if a == "" && t == "" {
		return sourceIdentityPrefix + sourceID
	}
	return a + "\t" + t
}

// stripWordTags removes enhanced-LRC per-word timing tags.
func stripWordTags(s string) string {
	return reWordTag.ReplaceAllString(s, "")
}

func isBlank(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool { return !unicode.IsSpace(r) }) < 0
}

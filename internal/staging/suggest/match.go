package suggest

import (
	"slices"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/dmdesk/pkg/types"
)

const (
	// DefaultFuzzyThreshold is the minimum Jaro-Winkler similarity between
	// normalised names for a fuzzy match.
	DefaultFuzzyThreshold = 0.90

	// phoneticFloor is the lower similarity bound accepted when both names
	// also share their Double Metaphone encoding.
	phoneticFloor = 0.80
)

// matcher resolves free-form names returned by a language model to
// candidate NPCs. It is read-only after construction.
//
// A name is tried in three stages, each requiring an unambiguous winner:
//
//  1. Exact match of [NormalizeName] keys.
//  2. Token prefix: the name's tokens are a prefix of exactly one candidate's
//     tokens ("mira" → "mira thornwood"), or the other way round.
//  3. Fuzzy: the highest Jaro-Winkler score at or above the threshold, or at
//     or above phoneticFloor when the Double Metaphone codes agree.
type matcher struct {
	cands     []types.NPCWithRegionInfo
	keys      []string
	tokens    [][]string
	codes     []string
	exact     map[string]int // key → index, -1 when ambiguous
	threshold float64
}

func newMatcher(cands []types.NPCWithRegionInfo, threshold float64) *matcher {
	m := &matcher{
		cands:     cands,
		keys:      make([]string, len(cands)),
		tokens:    make([][]string, len(cands)),
		codes:     make([]string, len(cands)),
		exact:     make(map[string]int, len(cands)),
		threshold: threshold,
	}
	for i, c := range cands {
		key := NormalizeName(c.Character.Name)
		m.keys[i] = key
		m.tokens[i] = strings.Fields(key)
		m.codes[i] = phoneticCode(m.tokens[i])
		if key == "" {
			continue
		}
		if _, dup := m.exact[key]; dup {
			m.exact[key] = -1
		} else {
			m.exact[key] = i
		}
	}
	return m
}

// match returns the index of the candidate name refers to.
func (m *matcher) match(name string) (int, bool) {
	key := NormalizeName(name)
	if key == "" {
		return 0, false
	}
	if i, ok := m.exact[key]; ok {
		return i, i >= 0
	}

	tokens := strings.Fields(key)
	if i, ok := m.unique(func(i int) bool {
		return hasTokenPrefix(m.tokens[i], tokens) || hasTokenPrefix(tokens, m.tokens[i])
	}); ok {
		return i, true
	}

	return m.fuzzy(key, tokens)
}

func (m *matcher) unique(pred func(int) bool) (int, bool) {
	found := -1
	for i := range m.cands {
		if m.keys[i] == "" || !pred(i) {
			continue
		}
		if found >= 0 {
			return 0, false
		}
		found = i
	}
	return found, found >= 0
}

func (m *matcher) fuzzy(key string, tokens []string) (int, bool) {
	code := phoneticCode(tokens)
	best, bestScore, tie := -1, 0.0, false
	for i, ck := range m.keys {
		if ck == "" {
			continue
		}
		score := matchr.JaroWinkler(key, ck, false)
		accept := score >= m.threshold ||
			(score >= phoneticFloor && code != "" && code == m.codes[i])
		if !accept {
			continue
		}
		switch {
		case score > bestScore:
			best, bestScore, tie = i, score, false
		case score == bestScore:
			tie = true
		}
	}
	if best < 0 || tie {
		return 0, false
	}
	return best, true
}

// hasTokenPrefix reports whether prefix is a non-empty proper token prefix of
// tokens.
func hasTokenPrefix(tokens, prefix []string) bool {
	if len(prefix) == 0 || len(prefix) >= len(tokens) {
		return false
	}
	return slices.Equal(tokens[:len(prefix)], prefix)
}

// phoneticCode joins the primary Double Metaphone codes of tokens.
func phoneticCode(tokens []string) string {
	codes := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if p, _ := matchr.DoubleMetaphone(t); p != "" {
			codes = append(codes, p)
		}
	}
	return strings.Join(codes, " ")
}

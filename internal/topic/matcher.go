// Package topic implements MQTT topic-filter matching and the broker's
// topic-to-queue registry.
package topic

import "strings"

// tokenKind classifies one '/'-separated level of a compiled filter: a
// literal level that must match byte-for-byte, a single-level wildcard
// ('+'), or a trailing multi-level wildcard ('#').
type tokenKind uint8

const (
	tokenLiteral tokenKind = iota
	tokenPlus
	tokenHash
)

type token struct {
	kind tokenKind
	lit  string
}

// Automaton is a compiled representation of a topic filter: an arena of
// immutable level tokens. Matching is a read-only walk over this arena,
// which is the Go rendering of "compile the filter into an arena of
// immutable states, match by traversal" â€” the tokens here are levels
// rather than individual bytes, since MQTT wildcards only ever operate
// at level granularity.
type Automaton struct {
	filter string
	tokens []token
}

// Compile builds a reusable automaton for filter.
func Compile(filter string) *Automaton {
	levels := strings.Split(filter, "/")
	a := &Automaton{filter: filter, tokens: make([]token, 0, len(levels))}
	for _, lvl := range levels {
		switch lvl {
		case "#":
			a.tokens = append(a.tokens, token{kind: tokenHash})
		case "+":
			a.tokens = append(a.tokens, token{kind: tokenPlus})
		default:
			a.tokens = append(a.tokens, token{kind: tokenLiteral, lit: lvl})
		}
	}
	return a
}

// Filter returns the source filter string the automaton was compiled from.
func (a *Automaton) Filter() string { return a.filter }

// Matches reports whether topic satisfies the compiled filter. A
// concrete topic containing a wildcard character never matches anything.
func (a *Automaton) Matches(t string) bool {
	if strings.ContainsAny(t, "+#") {
		return false
	}
	return matchLevels(a.tokens, strings.Split(t, "/"))
}

func matchLevels(tokens []token, levels []string) bool {
	for i, tok := range tokens {
		switch tok.kind {
		case tokenHash:
			// '#' is only valid as the final token and absorbs every
			// remaining level, including zero of them.
			return true
		case tokenPlus:
			if len(levels) == 0 {
				return false
			}
			levels = levels[1:]
		default: // tokenLiteral
			if len(levels) == 0 || levels[0] != tok.lit {
				return false
			}
			levels = levels[1:]
		}
		_ = i
	}
	return len(levels) == 0
}

// Matches is the package-level convenience form of Compile(filter).Matches(topic),
// for call sites that do not need to reuse the compiled automaton.
func Matches(filter, t string) bool {
	return Compile(filter).Matches(t)
}

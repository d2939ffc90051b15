package signalk

import "strings"

// ContextAccepted reports whether an incoming delta context matches at least
// one accepted context. A delta that carries no context at all (empty
// incoming) is always accepted.
func ContextAccepted(accepted []string, incoming string) bool {
	if incoming == "" || len(accepted) == 0 {
		return true
	}

	for _, expected := range accepted {
		if contextMatches(expected, incoming) {
			return true
		}
	}

	return false
}

// contextMatches applies the matching rules in order; the first rule that
// applies decides.
func contextMatches(expected, incoming string) bool {
	// Empty expectation or absent incoming context accepts everything.
	if expected == "" || incoming == "" {
		return true
	}

	if expected == incoming {
		return true
	}

	// Trailing wildcard: "vessels.*" accepts anything under "vessels."
	if strings.HasSuffix(expected, ".*") {
		return strings.HasPrefix(incoming, strings.TrimSuffix(expected, "*"))
	}

	// MMSI identities appear embedded in urn-style contexts, so a substring
	// check on the numeric tail is the useful comparison.
	if tail, ok := strings.CutPrefix(expected, "mmsi:"); ok {
		return tail != "" && strings.Contains(incoming, tail)
	}

	// urn/mrn identities may arrive bare or wrapped in a vessels. prefix.
	if strings.HasPrefix(expected, "urn:") || strings.HasPrefix(expected, "mrn:") {
		return incoming == expected || incoming == "vessels."+expected
	}

	// Servers answer "vessels.self" subscriptions with the vessel's full urn
	// context.
	if expected == SelfContext {
		return strings.HasPrefix(incoming, "vessels.urn:")
	}

	return false
}

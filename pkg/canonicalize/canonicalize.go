// Package canonicalize folds the messy strings arriving from mail
// providers and the classifier onto the engine's closed vocabularies.
// Everything downstream (planning rules, dedupe keys, thread matching)
// assumes its inputs went through here exactly once.
package canonicalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"

	"github.com/Mindburn-Labs/docket/pkg/contracts"
)

var upper = cases.Upper(language.Und)

// constraintAliases maps normalized classifier tags onto the canonical
// constraint set. The classifier is prompted to emit the canonical names
// but models paraphrase; unknown tags are dropped, never invented.
var constraintAliases = map[string]contracts.Constraint{
	"FEE_REQUIRED":        contracts.ConstraintFeeRequired,
	"FEES":                contracts.ConstraintFeeRequired,
	"PAYMENT_REQUIRED":    contracts.ConstraintFeeRequired,
	"EXEMPTION_CLAIMED":   contracts.ConstraintExemptionClaimed,
	"EXEMPTION":           contracts.ConstraintExemptionClaimed,
	"EXEMPT":              contracts.ConstraintExemptionClaimed,
	"NOT_HELD":            contracts.ConstraintNotHeld,
	"NO_RECORDS":          contracts.ConstraintNotHeld,
	"RECORDS_NOT_HELD":    contracts.ConstraintNotHeld,
	"ID_REQUIRED":         contracts.ConstraintIDRequired,
	"IDENTITY_REQUIRED":   contracts.ConstraintIDRequired,
	"PROOF_OF_ID":         contracts.ConstraintIDRequired,
	"PORTAL_ONLY":         contracts.ConstraintPortalOnly,
	"USE_PORTAL":          contracts.ConstraintPortalOnly,
	"ONLINE_PORTAL":       contracts.ConstraintPortalOnly,
	"PAPER_ONLY":          contracts.ConstraintPaperOnly,
	"MAIL_ONLY":           contracts.ConstraintPaperOnly,
	"NEEDS_CLARIFICATION": contracts.ConstraintNeedsClarify,
	"CLARIFICATION":       contracts.ConstraintNeedsClarify,
	"TOO_BROAD":           contracts.ConstraintNeedsClarify,
	"REFERRED_ELSEWHERE":  contracts.ConstraintReferredElsewhere,
	"REFERRAL":            contracts.ConstraintReferredElsewhere,
	"WRONG_AGENCY":        contracts.ConstraintReferredElsewhere,
}

// Constraint folds one raw classifier tag onto the canonical set. The
// second return is false for tags with no canonical reading.
func Constraint(raw string) (contracts.Constraint, bool) {
	key := normalizeTag(raw)
	if key == "" {
		return "", false
	}
	c, ok := constraintAliases[key]
	return c, ok
}

// Constraints folds a batch, dropping unknowns and duplicates while
// preserving first-seen order.
func Constraints(raw []string) []contracts.Constraint {
	var out []contracts.Constraint
	seen := make(map[contracts.Constraint]bool, len(raw))
	for _, tag := range raw {
		c, ok := Constraint(tag)
		if !ok || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// normalizeTag uppercases with full Unicode case mapping and collapses
// runs of separators to single underscores, so "fee required", "Fee-Required"
// and "FEE_REQUIRED" all land on the same key.
func normalizeTag(raw string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, raw)
	fields := strings.Fields(upper.String(mapped))
	return strings.Join(fields, "_")
}

// replyPrefixes are stripped from subjects before thread matching. Kept
// lowercase; comparison is case-insensitive.
var replyPrefixes = []string{"re:", "fwd:", "fw:", "aw:", "automatic reply:", "auto:"}

// Subject strips reply and forward prefixes and mailing-list style
// bracketed markers so both sides of a thread hash to the same subject.
func Subject(raw string) string {
	s := strings.TrimSpace(raw)
	for {
		trimmed := false
		lower := strings.ToLower(s)
		for _, p := range replyPrefixes {
			if strings.HasPrefix(lower, p) {
				s = strings.TrimSpace(s[len(p):])
				trimmed = true
				break
			}
		}
		if !trimmed && strings.HasPrefix(s, "[") {
			if end := strings.Index(s, "]"); end > 0 {
				s = strings.TrimSpace(s[end+1:])
				trimmed = true
			}
		}
		if !trimmed {
			return s
		}
	}
}

// CurrencyCode validates and canonicalizes an ISO 4217 code. Empty input
// defaults to USD, the overwhelmingly common case for domestic agencies.
func CurrencyCode(raw string) (string, bool) {
	if strings.TrimSpace(raw) == "" {
		return currency.USD.String(), true
	}
	unit, err := currency.ParseISO(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	return unit.String(), true
}

// AddressDomain extracts the lowercased domain of a mail address, for
// the agency-domain attachment heuristic.
func AddressDomain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	domain := strings.ToLower(strings.TrimSpace(addr[at+1:]))
	return strings.TrimSuffix(domain, ">")
}

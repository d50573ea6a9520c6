// Package classify matches free-text actions against rule-table topic lists.
//
// The evaluator only sees the TextClassifier interface, so a stricter
// matcher can replace the keyword one without touching verdict logic.
package classify

import "strings"

// TextClassifier reports which of terms the text touches.
// Implementations must be safe for concurrent use.
type TextClassifier interface {
	Match(text string, terms []string) []string
}

// Keyword is case-insensitive substring containment.
//
// It has no negation handling: "do not override" matches "override".
// An ambiguous match therefore fails the check, which biases toward
// REJECT/HOLD rather than toward silently approving.
type Keyword struct{}

// NewKeyword returns the default classifier.
func NewKeyword() Keyword { return Keyword{} }

// Match returns the matched terms in the order they were configured.
func (Keyword) Match(text string, terms []string) []string {
	if text == "" || len(terms) == 0 {
		return nil
	}
	lower := strings.ToLower(text)
	var matched []string
	for _, term := range terms {
		t := strings.ToLower(strings.TrimSpace(term))
		if t == "" {
			continue
		}
		if strings.Contains(lower, t) {
			matched = append(matched, term)
		}
	}
	return matched
}

// Any reports whether c matches at least one term.
func Any(c TextClassifier, text string, terms []string) bool {
	return len(c.Match(text, terms)) > 0
}

package intent

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"aloud/agent/internal/types"
)

// PhraseSets configures the matcher. Loaded once, immutable thereafter.
type PhraseSets struct {
	Greetings []string
	Thanks    []string
	Goodbyes  []string
}

// Classifier maps transcript text to a conversational intent by substring
// containment over normalized text. Deterministic; unmatched text is a query.
type Classifier struct {
	greetings []string
	thanks    []string
	goodbyes  []string
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normalize lowercases and strips diacritics so "Café" matches "cafe".
func normalize(s string) string {
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}

func NewClassifier(sets PhraseSets) *Classifier {
	c := &Classifier{}
	for _, p := range sets.Greetings {
		c.greetings = append(c.greetings, normalize(p))
	}
	for _, p := range sets.Thanks {
		c.thanks = append(c.thanks, normalize(p))
	}
	for _, p := range sets.Goodbyes {
		c.goodbyes = append(c.goodbyes, normalize(p))
	}
	return c
}

// Classify returns the intent of text. Thanks and goodbyes are checked before
// greetings so "merci, au revoir" style phrases don't fall through to the
// greeting set ("salut" appears in both French sets).
func (c *Classifier) Classify(text string) types.Intent {
	t := normalize(text)
	switch {
	case containsAny(t, c.thanks):
		return types.IntentThanks
	case containsAny(t, c.goodbyes):
		return types.IntentGoodbye
	case containsAny(t, c.greetings):
		return types.IntentGreeting
	default:
		return types.IntentQuery
	}
}

func containsAny(t string, phrases []string) bool {
	for _, p := range phrases {
		if p != "" && strings.Contains(t, p) {
			return true
		}
	}
	return false
}

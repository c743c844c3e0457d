package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"aloud/agent/internal/types"
)

func defaultSets() PhraseSets {
	return PhraseSets{
		Greetings: []string{"bonjour", "salut", "hello", "hey", "coucou", "bonsoir"},
		Thanks:    []string{"merci", "merci beaucoup", "je te remercie", "thank you"},
		Goodbyes:  []string{"au revoir", "bye", "à bientôt", "à plus", "ciao"},
	}
}

func TestClassify(t *testing.T) {
	c := NewClassifier(defaultSets())

	cases := []struct {
		text string
		want types.Intent
	}{
		{"Bonjour", types.IntentGreeting},
		{"bonjour tout le monde", types.IntentGreeting},
		{"Merci beaucoup", types.IntentThanks},
		{"THANK YOU", types.IntentThanks},
		{"Au revoir", types.IntentGoodbye},
		{"a bientot", types.IntentGoodbye},
		{"Quand Harvard a-t-elle été fondée?", types.IntentQuery},
		{"", types.IntentQuery},
		{"où se trouve la bibliothèque", types.IntentQuery},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, c.Classify(tc.text), "text=%q", tc.text)
	}
}

func TestClassifyDiacriticInsensitive(t *testing.T) {
	c := NewClassifier(defaultSets())
	// Configured phrase carries the accent, input does not, and vice versa.
	assert.Equal(t, types.IntentGoodbye, c.Classify("A BIENTÔT"))
	assert.Equal(t, types.IntentGoodbye, c.Classify("a bientot"))
}

func TestThanksBeforeGreeting(t *testing.T) {
	c := NewClassifier(defaultSets())
	assert.Equal(t, types.IntentThanks, c.Classify("merci, salut"))
}

func TestUnmatchedDefaultsToQuery(t *testing.T) {
	c := NewClassifier(PhraseSets{})
	assert.Equal(t, types.IntentQuery, c.Classify("anything at all"))
}

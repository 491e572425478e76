// Package enrich builds the match-only enriched input for short follow-up
// turns.
//
// When the previous turn ended with a question and the user replies with
// only a few tokens ("Smith", "the second one"), the bare reply rarely
// matches any trigger. The enricher prepends the last question so the
// cascade sees "Which doctor would you like to see? Smith". The enriched
// string is used only for matching — response rendering and the persisted
// turn record always use the raw input.
package enrich

import (
	"strings"

	"github.com/wittgen/lgdl/pkg/game"
)

// DefaultShortTokenThreshold is the token count at or below which a reply is
// considered short enough to need enrichment.
const DefaultShortTokenThreshold = 4

// Enricher decides when and how to fold the pending question into the input.
type Enricher struct {
	threshold int
}

// New creates an Enricher. threshold <= 0 applies
// [DefaultShortTokenThreshold].
func New(threshold int) *Enricher {
	if threshold <= 0 {
		threshold = DefaultShortTokenThreshold
	}
	return &Enricher{threshold: threshold}
}

// ForMatching returns the text the cascade should match for this turn. The
// input is returned unchanged unless the conversation is awaiting a response
// and the input is short.
func (e *Enricher) ForMatching(conv *game.Conversation, input string) string {
	if conv == nil || !conv.AwaitingResponse || conv.LastQuestion == "" {
		return input
	}
	if len(strings.Fields(input)) > e.threshold {
		return input
	}
	return conv.LastQuestion + " " + input
}

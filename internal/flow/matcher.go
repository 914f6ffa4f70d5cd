// Package flow drives users through scenarios: it matches intents, advances the
// scenario state machine and renders the outbound messages of each transition.
package flow

import (
	"log/slog"
	"strings"

	"github.com/BTreeMap/TicketPipe/internal/scenario"
)

// ActionKind is the decision the matcher takes for one inbound text.
type ActionKind int

const (
	// ActionDefaultReply sends the registry's default answer. No state exists.
	ActionDefaultReply ActionKind = iota
	// ActionReply sends the matched intent's canned answer.
	ActionReply
	// ActionStartScenario starts the matched intent's scenario from its first step.
	ActionStartScenario
	// ActionContinue hands the text to the in-progress scenario.
	ActionContinue
)

func (k ActionKind) String() string {
	switch k {
	case ActionReply:
		return "reply"
	case ActionStartScenario:
		return "start_scenario"
	case ActionContinue:
		return "continue"
	default:
		return "default_reply"
	}
}

// Action is the matcher's decision. Intent is set for ActionReply and ActionStartScenario.
type Action struct {
	Kind   ActionKind
	Intent *scenario.Intent
	// DiscardState is set when an intent matched while a scenario was in progress.
	DiscardState bool
}

// Matcher checks text against the registry intents in declaration order.
type Matcher struct {
	intents []scenario.Intent
}

// NewMatcher creates a matcher over the registry's intents.
func NewMatcher(reg *scenario.Registry) *Matcher {
	return &Matcher{intents: reg.Intents}
}

// Match returns the action for text. The first intent with any token occurring in the
// lower-cased text wins and always supersedes an in-progress scenario.
func (m *Matcher) Match(text string, hasState bool) Action {
	lower := strings.ToLower(text)
	for i := range m.intents {
		intent := &m.intents[i]
		if !containsAny(lower, intent.Tokens) {
			continue
		}
		slog.Debug("Matcher intent matched", "intent", intent.Name, "hadState", hasState)
		kind := ActionReply
		if intent.Scenario != "" {
			kind = ActionStartScenario
		}
		return Action{Kind: kind, Intent: intent, DiscardState: hasState}
	}
	if hasState {
		return Action{Kind: ActionContinue}
	}
	return Action{Kind: ActionDefaultReply}
}

func containsAny(text string, tokens []string) bool {
	for _, tok := range tokens {
		if strings.Contains(text, tok) {
			return true
		}
	}
	return false
}

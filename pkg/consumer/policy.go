package consumer

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Action is what the consumer does to the cache for an insert/update event.
type Action string

const (
	// ActionInvalidate evicts the entry; the next read repopulates from the
	// record store. Cheap, and keeps transformation logic off the hot path.
	ActionInvalidate Action = "invalidate"

	// ActionRefresh writes the event payload straight into the cache with
	// version = commit sequence, trading hot-path risk for fewer misses.
	ActionRefresh Action = "refresh"
)

// Rule maps a key-class to an action. Patterns are globs matched against the
// record's URL (the human-meaningful identity; record keys are hashes), e.g.
// "https://*.wikipedia.org/*".
type Rule struct {
	Pattern string `mapstructure:"pattern"`
	Action  Action `mapstructure:"action"`
}

type compiledRule struct {
	g      glob.Glob
	action Action
}

// Policy resolves the action for a key-class. Rules are compiled once at
// startup and evaluated first-match-wins.
type Policy struct {
	rules []compiledRule
	def   Action
}

// NewPolicy compiles rules; def is used when no rule matches.
func NewPolicy(rules []Rule, def Action) (*Policy, error) {
	switch def {
	case ActionInvalidate, ActionRefresh:
	case "":
		def = ActionInvalidate
	default:
		return nil, fmt.Errorf("invalid default action: %q", def)
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		switch r.Action {
		case ActionInvalidate, ActionRefresh:
		default:
			return nil, fmt.Errorf("rule %q: invalid action %q", r.Pattern, r.Action)
		}
		g, err := glob.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Pattern, err)
		}
		compiled = append(compiled, compiledRule{g: g, action: r.Action})
	}
	return &Policy{rules: compiled, def: def}, nil
}

// ActionFor returns the configured action for url.
func (p *Policy) ActionFor(url string) Action {
	for _, r := range p.rules {
		if r.g.Match(url) {
			return r.action
		}
	}
	return p.def
}

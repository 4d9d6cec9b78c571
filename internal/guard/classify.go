package guard

import (
	"context"
	"regexp"

	"github.com/arclabs/arcreactor/pkg/models"
)

// classificationGuard is a keyword-level content screen. It targets
// requests for clearly disallowed content; anything ambiguous passes and
// is left to the model's own refusals.
type classificationGuard struct {
	patterns []*regexp.Regexp
}

var disallowedPatterns = []string{
	`(?i)\bhow\s+to\s+(build|make|construct)\s+(a\s+)?(bomb|explosive|pipe\s+bomb)\b`,
	`(?i)\b(synthesize|manufacture)\s+(meth|methamphetamine|fentanyl|ricin|sarin)\b`,
	`(?i)\bcredit\s+card\s+(numbers?|generator)\b.*\b(valid|working|stolen)\b`,
	`(?i)\b(stolen|leaked)\s+credit\s+card\b`,
}

func newClassificationGuard() *classificationGuard {
	g := &classificationGuard{patterns: make([]*regexp.Regexp, 0, len(disallowedPatterns))}
	for _, p := range disallowedPatterns {
		g.patterns = append(g.patterns, regexp.MustCompile(p))
	}
	return g
}

func (g *classificationGuard) Name() string  { return "content_classification" }
func (g *classificationGuard) Priority() int { return 5 }

func (g *classificationGuard) Check(_ context.Context, cmd *models.AgentCommand) (Decision, error) {
	for _, p := range g.patterns {
		if p.MatchString(cmd.UserPrompt) {
			return Reject("request declined by content policy"), nil
		}
	}
	return Allow(), nil
}

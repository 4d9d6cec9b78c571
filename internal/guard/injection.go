package guard

import (
	"context"
	"regexp"

	"github.com/arclabs/arcreactor/pkg/models"
)

// injectionGuard screens for prompt injection phrasing. Patterns are
// matched case-insensitively against the raw user prompt.
type injectionGuard struct {
	patterns []*regexp.Regexp
}

var injectionPatterns = []string{
	`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|context)`,
	`(?i)disregard\s+(all\s+)?(previous|prior|your)\s+(instructions?|rules|guidelines)`,
	`(?i)forget\s+(everything|all|your)\s+(instructions?|rules|training)`,
	`(?i)you\s+are\s+now\s+(a|an|in)\b`,
	`(?i)pretend\s+(you\s+are|to\s+be)\s+`,
	`(?i)new\s+(system\s+)?instructions?\s*:`,
	`(?i)\bsystem\s*prompt\b.*\b(reveal|show|print|repeat|output)\b`,
	`(?i)\b(reveal|show|print|repeat|output)\b.*\bsystem\s*prompt\b`,
	`(?i)\bjailbreak\b`,
	`(?i)\bDAN\s+mode\b`,
	`(?i)act\s+as\s+(if\s+you\s+have\s+)?no\s+(restrictions?|filters?|guidelines)`,
	`(?i)\boverride\s+(safety|your)\s+(protocols?|instructions?|settings)`,
}

func newInjectionGuard() *injectionGuard {
	g := &injectionGuard{patterns: make([]*regexp.Regexp, 0, len(injectionPatterns))}
	for _, p := range injectionPatterns {
		g.patterns = append(g.patterns, regexp.MustCompile(p))
	}
	return g
}

func (g *injectionGuard) Name() string  { return "injection_detection" }
func (g *injectionGuard) Priority() int { return 3 }

func (g *injectionGuard) Check(_ context.Context, cmd *models.AgentCommand) (Decision, error) {
	for _, p := range g.patterns {
		if p.MatchString(cmd.UserPrompt) {
			return Reject("input contains disallowed instruction patterns"), nil
		}
	}
	return Allow(), nil
}

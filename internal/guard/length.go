package guard

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/arclabs/arcreactor/pkg/models"
)

// lengthGuard rejects empty and oversized prompts before they reach
// tokenization.
type lengthGuard struct {
	minRunes int
	maxRunes int
}

func (g *lengthGuard) Name() string  { return "input_length" }
func (g *lengthGuard) Priority() int { return 2 }

func (g *lengthGuard) Check(_ context.Context, cmd *models.AgentCommand) (Decision, error) {
	n := utf8.RuneCountInString(cmd.UserPrompt)
	if n < g.minRunes {
		return Reject(fmt.Sprintf("input too short: %d characters (minimum %d)", n, g.minRunes)), nil
	}
	if n > g.maxRunes {
		return Reject(fmt.Sprintf("input too long: %d characters (limit %d)", n, g.maxRunes)), nil
	}
	return Allow(), nil
}

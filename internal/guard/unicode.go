package guard

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/arclabs/arcreactor/pkg/models"
)

// unicodeGuard rejects prompts padded with invisible characters, strips
// the remainder, and rewrites the prompt to NFKC form.
type unicodeGuard struct {
	maxInvisibleRatio float64
}

func (g *unicodeGuard) Name() string  { return "unicode_sanitization" }
func (g *unicodeGuard) Priority() int { return 4 }

func (g *unicodeGuard) Check(_ context.Context, cmd *models.AgentCommand) (Decision, error) {
	total := 0
	invisible := 0
	for _, r := range cmd.UserPrompt {
		total++
		if isInvisible(r) {
			invisible++
		}
	}
	if total > 0 {
		ratio := float64(invisible) / float64(total)
		if ratio > g.maxInvisibleRatio {
			return Reject("input contains an excessive proportion of invisible characters"), nil
		}
	}

	if invisible > 0 {
		var b strings.Builder
		b.Grow(len(cmd.UserPrompt))
		for _, r := range cmd.UserPrompt {
			if !isInvisible(r) {
				b.WriteRune(r)
			}
		}
		cmd.UserPrompt = b.String()
	}
	cmd.UserPrompt = norm.NFKC.String(cmd.UserPrompt)
	return Allow(), nil
}

// isInvisible reports zero-width and formatting runes that carry no
// visible content. Ordinary whitespace is not invisible.
func isInvisible(r rune) bool {
	switch r {
	case '\u200B', // zero width space
		'\u200C', // zero width non-joiner
		'\u200D', // zero width joiner
		'\u2060', // word joiner
		'\uFEFF', // zero width no-break space
		'\u00AD': // soft hyphen
		return true
	}
	return unicode.Is(unicode.Cf, r)
}

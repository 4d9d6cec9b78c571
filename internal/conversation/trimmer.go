package conversation

import (
	"github.com/arclabs/arcreactor/internal/tokens"
	"github.com/arclabs/arcreactor/pkg/models"
)

// Trim drops the oldest messages until the transcript fits budget tokens.
// The last SYSTEM message is never dropped, and an ASSISTANT message with
// tool calls is never separated from the TOOL replies that answer it.
func Trim(msgs []models.Message, est *tokens.Estimator, budget int) []models.Message {
	if len(msgs) == 0 || est.EstimateMessages(msgs) <= budget {
		return msgs
	}

	blocks := blockify(msgs, est)
	lastSystem := -1
	total := est.EstimateMessages(nil) // reply priming
	for i, b := range blocks {
		if b.msgs[0].Role == models.RoleSystem {
			lastSystem = i
		}
		total += b.cost
	}

	keep := make([]bool, len(blocks))
	for i := range keep {
		keep[i] = true
	}
	for i := 0; i < len(blocks) && total > budget; i++ {
		if i == lastSystem || i == len(blocks)-1 {
			continue
		}
		keep[i] = false
		total -= blocks[i].cost
	}

	out := make([]models.Message, 0, len(msgs))
	for i, b := range blocks {
		if keep[i] {
			out = append(out, b.msgs...)
		}
	}
	return out
}

// Fits reports whether the transcript is within budget. Trimming cannot
// shrink past the protected messages, so a trimmed transcript may still
// overflow.
func Fits(msgs []models.Message, est *tokens.Estimator, budget int) bool {
	return est.EstimateMessages(msgs) <= budget
}

type block struct {
	msgs []models.Message
	cost int
}

// blockify groups a transcript into indivisible units: each message on
// its own, except an assistant-with-tool-calls which absorbs the TOOL
// replies that follow it.
func blockify(msgs []models.Message, est *tokens.Estimator) []block {
	var blocks []block
	for i := 0; i < len(msgs); i++ {
		group := []models.Message{msgs[i]}
		if msgs[i].Role == models.RoleAssistant && msgs[i].HasToolCalls() {
			for i+1 < len(msgs) && msgs[i+1].Role == models.RoleTool {
				i++
				group = append(group, msgs[i])
			}
		}
		cost := 0
		for _, m := range group {
			cost += est.EstimateMessage(m)
		}
		blocks = append(blocks, block{msgs: group, cost: cost})
	}
	return blocks
}

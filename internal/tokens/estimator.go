// Package tokens estimates token counts for prompts and transcripts.
//
// Counting uses tiktoken when an encoding can be resolved for the model;
// otherwise a language-aware heuristic that accounts for CJK density, where
// a single rune is roughly one token.
package tokens

import (
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"

	"github.com/arclabs/arcreactor/pkg/models"
)

// tokensPerMessage approximates per-message chat framing overhead.
const tokensPerMessage = 3

// Estimator counts tokens for a specific model.
type Estimator struct {
	mu       sync.RWMutex
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.Mutex
)

// NewEstimator creates an estimator for the given model. A model with no
// known encoding falls back to the heuristic; this never fails.
func NewEstimator(model string) *Estimator {
	encodingCacheMu.Lock()
	defer encodingCacheMu.Unlock()

	if enc, ok := encodingCache[model]; ok {
		return &Estimator{encoding: enc, model: model}
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	encodingCache[model] = enc
	return &Estimator{encoding: enc, model: model}
}

// Estimate returns the approximate token count of text.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}

	e.mu.RLock()
	enc := e.encoding
	e.mu.RUnlock()

	if enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return Heuristic(text)
}

// EstimateMessage returns the token cost of one message including framing.
func (e *Estimator) EstimateMessage(msg models.Message) int {
	n := tokensPerMessage + e.Estimate(msg.Content)
	for _, tc := range msg.ToolCalls {
		n += e.Estimate(tc.Name) + e.Estimate(string(tc.Input))
	}
	return n
}

// EstimateMessages returns the total token cost of a transcript.
func (e *Estimator) EstimateMessages(msgs []models.Message) int {
	total := tokensPerMessage // reply priming
	for i := range msgs {
		total += e.EstimateMessage(msgs[i])
	}
	return total
}

// Heuristic approximates tokens without an encoder. CJK scripts tokenize
// near one token per rune; most other text averages four characters per
// token.
func Heuristic(text string) int {
	cjk := 0
	other := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	n := cjk + (other+3)/4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

package models

import "time"

// FactCategory classifies a structured summary fact.
type FactCategory string

const (
	FactEntity   FactCategory = "entity"
	FactNumeric  FactCategory = "numeric"
	FactState    FactCategory = "state"
	FactDecision FactCategory = "decision"
	FactGeneral  FactCategory = "general"
)

// SummaryFact is one key=value observation extracted from a conversation.
type SummaryFact struct {
	Key      string       `json:"key"`
	Value    string       `json:"value"`
	Category FactCategory `json:"category"`
}

// ConversationSummary is the hierarchical compression of a long
// conversation: prose narrative plus ordered structured facts. Keyed
// uniquely by session.
type ConversationSummary struct {
	SessionID string        `json:"session_id"`
	Narrative string        `json:"narrative"`
	Facts     []SummaryFact `json:"facts,omitempty"`

	// SummarizedUpToIndex is the count of messages the summary covers.
	SummarizedUpToIndex int `json:"summarized_up_to_index"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

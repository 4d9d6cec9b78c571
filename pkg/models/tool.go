package models

import "time"

// ToolSpec describes an invokable tool: its argument schema, selection
// metadata, and execution constraints. Names are unique within a request.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	// InputSchema is a JSON Schema object describing the arguments.
	InputSchema map[string]any `json:"input_schema,omitempty"`

	// Timeout overrides the global per-call timeout when > 0.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Category tags the tool for keyword selection ("search", "write", ...).
	Category string `json:"category,omitempty"`

	// RequiresApproval forces the human-in-the-loop path for this tool.
	RequiresApproval bool `json:"requires_approval,omitempty"`
}

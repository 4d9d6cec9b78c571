package models

import (
	"encoding/json"
	"time"
)

// ApprovalStatus is the lifecycle state of a pending approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalTimedOut ApprovalStatus = "timed_out"
)

// PendingApproval is a tool call suspended on human authorization.
// It is resolved exactly once.
type PendingApproval struct {
	ID          string          `json:"id"`
	ToolName    string          `json:"tool_name"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	UserPrompt  string          `json:"user_prompt,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`

	Status ApprovalStatus `json:"status"`

	// ModifiedArguments replaces Arguments when the approver edits them.
	ModifiedArguments json.RawMessage `json:"modified_arguments,omitempty"`

	RejectionReason string `json:"rejection_reason,omitempty"`

	// ResolvedAt is nil while the approval is pending.
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
}

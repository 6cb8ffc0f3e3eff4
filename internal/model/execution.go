// Package model defines the records cellrunner persists.
package model

import "time"

// Execution is one row of the audit log. The submitted code itself is not
// stored, only its size.
type Execution struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject,omitempty"` // authenticated caller, if any
	Backend    string    `json:"backend"`
	Outcome    string    `json:"outcome"`
	Resource   string    `json:"resource,omitempty"`
	CodeBytes  int       `json:"codeBytes"`
	DurationMs int64     `json:"durationMs"`
	Truncated  bool      `json:"truncated"`
	Artifacts  int       `json:"artifacts"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Incident records a sandbox violation. Detail holds the internal cause that
// is never shown to the caller who submitted the code.
type Incident struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"executionId"`
	Subject     string    `json:"subject,omitempty"`
	Backend     string    `json:"backend"`
	Detail      string    `json:"detail"`
	CreatedAt   time.Time `json:"createdAt"`
}

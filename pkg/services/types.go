package services

import (
	"errors"
	"time"

	"github.com/ruleiq/orchestrator/pkg/evidence"
	"github.com/ruleiq/orchestrator/pkg/fault"
	"github.com/ruleiq/orchestrator/pkg/graph"
)

// Query describes one compliance analysis submission.
type Query struct {
	TenantID  string            `json:"tenant_id"`
	UserID    string            `json:"user_id,omitempty"`
	Query     string            `json:"query"`
	Framework string            `json:"framework,omitempty"`
	Stream    bool              `json:"stream,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RunView is the public view of a run: lifecycle, recorded errors, the most
// recent output chunk, and cost. Provider internals never appear here.
type RunView struct {
	RunID        string           `json:"run_id"`
	TenantID     string           `json:"tenant_id"`
	Query        string           `json:"query"`
	Framework    string           `json:"framework,omitempty"`
	Status       graph.Status     `json:"status"`
	CurrentNode  string           `json:"current_node,omitempty"`
	ErrorKind    string           `json:"error_kind,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Errors       []graph.RunError `json:"errors,omitempty"`
	LastChunk    string           `json:"last_chunk,omitempty"`
	Cost         graph.CostTotals `json:"cost"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// CollectionView is the public view of an evidence collection. Error is set
// for FAILED and CANCELLED collections; Failures lists the tolerated
// per-collector errors of a completed one. Both are scrubbed.
type CollectionView struct {
	CollectionID    string                    `json:"collection_id"`
	TenantID        string                    `json:"tenant_id"`
	Status          evidence.CollectionStatus `json:"status"`
	Sources         []string                  `json:"sources"`
	Collected       int                       `json:"collected"`
	Failed          int                       `json:"failed"`
	Duplicates      int                       `json:"duplicates"`
	ProgressPercent float64                   `json:"progress_percent"`
	Failures        []evidence.Failure        `json:"failures,omitempty"`
	Error           string                    `json:"error,omitempty"`
}

// publicMessage extracts the public-safe message from an error.
func publicMessage(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.Public()
	}
	return err.Error()
}

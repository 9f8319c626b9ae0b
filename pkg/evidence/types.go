// Package evidence collects compliance artefacts from registered source
// systems, scores them, and persists them into a deduplicated per-tenant
// registry.
package evidence

import (
	"context"
	"time"
)

// Item is one collected compliance artefact. Fingerprint is deterministic
// over (source system, type, natural key) and deduplicates within a tenant.
type Item struct {
	ID           string    `json:"id" msgpack:"id"`
	TenantID     string    `json:"tenant_id" msgpack:"tenant_id"`
	SourceSystem string    `json:"source_system" msgpack:"source_system"`
	Type         string    `json:"type" msgpack:"type"`
	ControlIDs   []string  `json:"control_ids" msgpack:"control_ids"`
	QualityScore float64   `json:"quality_score" msgpack:"quality_score"`
	Flagged      bool      `json:"flagged" msgpack:"flagged"`
	Processed    bool      `json:"processed" msgpack:"processed"`
	CollectedAt  time.Time `json:"collected_at" msgpack:"collected_at"`
	RawRef       string    `json:"raw_ref" msgpack:"raw_ref"`
	Fingerprint  string    `json:"fingerprint" msgpack:"fingerprint"`
}

// Mode selects when a collection executes.
type Mode string

const (
	ModeImmediate Mode = "immediate"
	ModeScheduled Mode = "scheduled"
	ModeStreaming Mode = "streaming"
)

// Request describes one collection: which tenant, which controls, which
// source systems, and how to run it.
type Request struct {
	TenantID     string        `json:"tenant_id"`
	FrameworkIDs []string      `json:"framework_ids,omitempty"`
	ControlIDs   []string      `json:"control_ids,omitempty"`
	Sources      []string      `json:"sources,omitempty"` // empty means every registered collector
	Mode         Mode          `json:"mode,omitempty"`
	Delay        time.Duration `json:"delay,omitempty"` // scheduled mode only
	MaxDuration  time.Duration `json:"max_duration,omitempty"`
}

// Failure records one collector error. Collections tolerate individual
// failures; only an empty overall result is fatal.
type Failure struct {
	Source    string `json:"source"`
	ControlID string `json:"control_id,omitempty"`
	Reason    string `json:"reason"`
}

// Progress is a point-in-time view of a running collection.
type Progress struct {
	Collected       int     `json:"collected"`
	Failed          int     `json:"failed"`
	Duplicates      int     `json:"duplicates"`
	ProgressPercent float64 `json:"progress_percent"`
}

// Result summarises a finished collection.
type Result struct {
	Items      []Item    `json:"items"`
	Failures   []Failure `json:"failures,omitempty"`
	Duplicates int       `json:"duplicates"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Store is the durable evidence registry. Insert is atomic with respect to
// the per-tenant fingerprint constraint; that atomicity is what makes
// collection at-most-once under concurrent collectors.
type Store interface {
	// Insert persists one item. It returns false without error when the
	// tenant already holds an item with the same fingerprint.
	Insert(ctx context.Context, item Item) (bool, error)
}

// RawItem is what a collector hands back from Fetch before scoring and
// fingerprinting. NaturalKey identifies the artefact within the source
// system and keeps re-collections idempotent.
type RawItem struct {
	Type        string
	NaturalKey  string
	ControlIDs  []string
	CollectedAt time.Time
	RawRef      string
}

// Collector adapts one external source system.
type Collector interface {
	// Name is the stable source_system identifier.
	Name() string
	// Discover lists the control IDs this collector can produce evidence for.
	Discover(ctx context.Context) ([]string, error)
	// Fetch returns the artefacts currently available for one control.
	Fetch(ctx context.Context, controlID string) ([]RawItem, error)
	// QualityScore rates a fetched artefact in [0,1].
	QualityScore(item RawItem) float64
}

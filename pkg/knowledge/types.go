// Package knowledge serves compliance knowledge graph queries from an
// immutable in-memory snapshot. Ingestion pipelines write the kg_* tables
// outside this process; Reload swaps in a fresh snapshot atomically, so
// reads are eventually consistent and never block on the database.
package knowledge

// Edge types as persisted in kg_edges.
const (
	EdgeHasObligation     = "HAS_OBLIGATION"
	EdgeImplementsControl = "IMPLEMENTS_CONTROL"
	EdgeHasPenalty        = "HAS_PENALTY"
	EdgeImplementsTheme   = "IMPLEMENTS_THEME"
	EdgeCrossReferences   = "CROSS_REFERENCES"
)

// Framework is a regulatory framework (GDPR, ISO 27001, SOC 2).
type Framework struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Obligation is a single requirement within a framework. The ID lists are
// derived from edges when a snapshot is built.
type Obligation struct {
	ID         string   `json:"id"`
	Framework  string   `json:"framework"`
	ArticleRef string   `json:"article_ref,omitempty"`
	Title      string   `json:"title,omitempty"`
	Body       string   `json:"body"`
	ControlIDs []string `json:"control_ids,omitempty"`
	PenaltyIDs []string `json:"penalty_ids,omitempty"`
	RefIDs     []string `json:"ref_ids,omitempty"`

	// Embedding is the obligation body's vector, used by hybrid search.
	// Empty when ingestion has not embedded the row yet.
	Embedding []float32 `json:"-"`
}

// Control is a mitigating measure an obligation maps to.
type Control struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Penalty describes the sanction regime attached to an obligation.
type Penalty struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	MaxAmount   string `json:"max_amount,omitempty"`
}

// Edge links two graph nodes.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

// Stats summarises a snapshot for health reporting and the startup log.
type Stats struct {
	Frameworks  int `json:"frameworks"`
	Obligations int `json:"obligations"`
	Controls    int `json:"controls"`
	Penalties   int `json:"penalties"`
	Edges       int `json:"edges"`
	Embedded    int `json:"embedded"`
}

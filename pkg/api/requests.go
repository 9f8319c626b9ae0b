package api

// SubmitRunRequest is the HTTP request body for POST /api/v1/runs.
type SubmitRunRequest struct {
	TenantID  string            `json:"tenant_id"`
	UserID    string            `json:"user_id,omitempty"`
	Query     string            `json:"query"`
	Framework string            `json:"framework,omitempty"`
	Stream    bool              `json:"stream,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ResumeRunRequest is the HTTP request body for POST /api/v1/runs/:id/resume.
// The body is optional; Input carries operator answers for a run suspended
// on human input.
type ResumeRunRequest struct {
	Input map[string]string `json:"input,omitempty"`
}

// CollectRequest is the HTTP request body for POST /api/v1/collections.
// Durations are whole seconds; zero max_duration_seconds keeps the
// configured default.
type CollectRequest struct {
	TenantID           string   `json:"tenant_id"`
	FrameworkIDs       []string `json:"framework_ids,omitempty"`
	ControlIDs         []string `json:"control_ids,omitempty"`
	Sources            []string `json:"sources,omitempty"`
	Mode               string   `json:"mode,omitempty"`
	DelaySeconds       int      `json:"delay_seconds,omitempty"`
	MaxDurationSeconds int      `json:"max_duration_seconds,omitempty"`
}

package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ruleiq/orchestrator/pkg/fault"
	"github.com/ruleiq/orchestrator/pkg/graph"
	"github.com/ruleiq/orchestrator/pkg/llm"
)

// frameworkPatterns maps query phrasings to canonical framework ids. First
// match in query order wins the run's framework slot when the caller left
// it open.
var frameworkPatterns = []struct {
	id      string
	pattern *regexp.Regexp
}{
	{"GDPR", regexp.MustCompile(`(?i)\bgdpr\b|\bgeneral data protection\b`)},
	{"ISO27001", regexp.MustCompile(`(?i)\biso[ -]?27001\b`)},
	{"SOC2", regexp.MustCompile(`(?i)\bsoc[ -]?2\b`)},
	{"HIPAA", regexp.MustCompile(`(?i)\bhipaa\b`)},
	{"PCI_DSS", regexp.MustCompile(`(?i)\bpci[ -]?dss\b`)},
	{"NIS2", regexp.MustCompile(`(?i)\bnis[ -]?2\b`)},
	{"DORA", regexp.MustCompile(`(?i)\bdora\b`)},
	{"CCPA", regexp.MustCompile(`(?i)\bccpa\b`)},
}

var (
	// controlPattern matches control identifiers like A.5.1, AC-2, or CC6.1.
	controlPattern = regexp.MustCompile(`\b[A-Z]{1,8}\d{0,2}[-.]\d{1,3}(?:[-.]\d{1,3})*\b`)
	// articlePattern matches legal article references like "Article 32".
	articlePattern = regexp.MustCompile(`(?i)\bart(?:icle)?\.?\s*(\d{1,3})\b`)
	// profilePattern matches explicit business profile references.
	profilePattern = regexp.MustCompile(`\bprofile:([A-Za-z0-9_-]+)\b`)
)

// perceiveNode parses the query without calling a model: framework ids,
// control mentions, and business profile references end up in metadata for
// the nodes downstream, and the query opens the conversation.
func perceiveNode(_ context.Context, _ graph.Capabilities, state *graph.RunState) (graph.Delta, error) {
	query := strings.TrimSpace(state.Query)
	if query == "" {
		return graph.Delta{}, fault.New(fault.KindInvalidInput, "query is empty")
	}

	frameworks := detectFrameworks(query)
	controls := detectControls(query)

	md := make(map[string]string, 3)
	if len(frameworks) > 0 {
		md[metaFrameworks] = strings.Join(frameworks, ",")
	}
	if len(controls) > 0 {
		md[metaControls] = strings.Join(controls, ",")
	}
	if m := profilePattern.FindStringSubmatch(query); m != nil {
		md[metaProfile] = m[1]
	}

	delta := graph.Delta{
		Metadata: md,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: query}},
		Memory: []graph.MemoryEntry{{
			Key:   "perception",
			Value: describePerception(frameworks, controls),
		}},
	}
	if len(frameworks) > 0 {
		delta.Framework = frameworks[0]
	}
	return delta, nil
}

func detectFrameworks(query string) []string {
	type hit struct {
		id  string
		pos int
	}
	var hits []hit
	for _, fp := range frameworkPatterns {
		if loc := fp.pattern.FindStringIndex(query); loc != nil {
			hits = append(hits, hit{id: fp.id, pos: loc[0]})
		}
	}
	if len(hits) == 0 {
		return nil
	}
	// Query order, not table order.
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].pos < hits[j-1].pos; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.id)
	}
	return out
}

func detectControls(query string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, m := range controlPattern.FindAllString(query, -1) {
		add(m)
	}
	for _, m := range articlePattern.FindAllStringSubmatch(query, -1) {
		add("Art." + m[1])
	}
	return out
}

func describePerception(frameworks, controls []string) string {
	switch {
	case len(frameworks) == 0 && len(controls) == 0:
		return "no explicit framework or control mentions"
	case len(controls) == 0:
		return fmt.Sprintf("frameworks: %s", strings.Join(frameworks, ", "))
	case len(frameworks) == 0:
		return fmt.Sprintf("controls: %s", strings.Join(controls, ", "))
	default:
		return fmt.Sprintf("frameworks: %s; controls: %s",
			strings.Join(frameworks, ", "), strings.Join(controls, ", "))
	}
}

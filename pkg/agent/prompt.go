package agent

import (
	"fmt"
	"strings"

	"github.com/ruleiq/orchestrator/pkg/evidence"
	"github.com/ruleiq/orchestrator/pkg/graph"
	"github.com/ruleiq/orchestrator/pkg/llm"
)

const planSystemPrompt = `You are a compliance analysis planner. You break a compliance question ` +
	`into a short ordered list of sub-tasks. Each sub-task names one tool: ` +
	`"search_obligations" retrieves regulatory obligations, "collect_evidence" gathers ` +
	`implementation evidence from connected systems, "generate" runs an analysis over ` +
	`what was gathered. Respond with JSON only, no prose.`

const analysisSystemPrompt = `You are a compliance analyst. Ground every statement in the ` +
	`obligations and evidence provided; name obligation ids when you rely on them. ` +
	`Say plainly when the provided context is not sufficient to answer.`

const learnSystemPrompt = `You are a compliance analyst writing a final structured verdict. ` +
	`Respond with a single JSON object with keys summary, gaps, recommendations, risks, ` +
	`and confidence (0 to 1). Base the confidence on how completely the gathered ` +
	`obligations and evidence cover the question. JSON only, no prose.`

const respondSystemPrompt = `You are a compliance assistant summarising an analysis for a ` +
	`business user. Be direct and concrete: state the verdict first, then the gaps and ` +
	`the recommended next steps. Do not invent findings beyond the provided conclusion.`

// buildPlanPrompt assembles the planning request: the query, what PERCEIVE
// extracted, and on refinement passes the context of the previous attempt.
func buildPlanPrompt(state *graph.RunState) string {
	var sb strings.Builder

	sb.WriteString("## Compliance Query\n")
	sb.WriteString(state.Query)
	sb.WriteString("\n\n")

	if state.Framework != "" || state.Metadata[metaControls] != "" {
		sb.WriteString("## Extracted Hints\n")
		if state.Framework != "" {
			sb.WriteString("Framework: ")
			sb.WriteString(state.Framework)
			sb.WriteString("\n")
		}
		if controls := state.Metadata[metaControls]; controls != "" {
			sb.WriteString("Mentioned controls: ")
			sb.WriteString(controls)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	if refinement := formatRefinementSection(state); refinement != "" {
		sb.WriteString(refinement)
		sb.WriteString("\n")
	}

	sb.WriteString(`Produce the task list as {"tasks": [{"goal": "...", "tool": "..."}]}.`)
	return sb.String()
}

// formatRefinementSection describes the previous pass when PLAN runs again
// after a low-confidence ACT. Empty on the first pass.
func formatRefinementSection(state *graph.RunState) string {
	if state.Conclusion == nil || state.Conclusion.Final {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Previous Pass\n")
	fmt.Fprintf(&sb, "Interim confidence was %.2f: %s\n", state.Conclusion.Confidence, state.Conclusion.Summary)
	for _, e := range state.Memory.Entries {
		if strings.HasPrefix(e.Key, "failed:") {
			fmt.Fprintf(&sb, "Failed sub-task %s: %s\n", strings.TrimPrefix(e.Key, "failed:"), e.Value)
		}
	}
	sb.WriteString("Plan a different approach for the weak spots.\n")
	return sb.String()
}

// buildAnalysisPrompt assembles one ACT generation request over the context
// gathered so far in this pass.
func buildAnalysisPrompt(state *graph.RunState, delta *graph.Delta, task Task) string {
	var sb strings.Builder

	sb.WriteString("## Compliance Query\n")
	sb.WriteString(state.Query)
	sb.WriteString("\n\n")

	sb.WriteString("## Task\n")
	sb.WriteString(task.Goal)
	sb.WriteString("\n\n")

	retrieval := state.Retrieval
	if delta.Retrieval != nil {
		retrieval = delta.Retrieval
	}
	sb.WriteString(formatObligationSection(retrieval))
	sb.WriteString("\n")

	sb.WriteString(formatEvidenceSection(state.Evidence, delta.Evidence))
	return sb.String()
}

// buildLearnPrompt assembles the conclusion request from the whole run.
func buildLearnPrompt(state *graph.RunState) string {
	var sb strings.Builder

	sb.WriteString("## Compliance Query\n")
	sb.WriteString(state.Query)
	sb.WriteString("\n\n")

	sb.WriteString(formatObligationSection(state.Retrieval))
	sb.WriteString("\n")

	sb.WriteString(formatEvidenceSection(state.Evidence, nil))
	sb.WriteString("\n")

	analyses := assistantMessages(state.Messages)
	sb.WriteString("## Prior Analysis\n")
	if len(analyses) == 0 {
		sb.WriteString("No analysis passes completed.\n")
	}
	for i, content := range analyses {
		fmt.Fprintf(&sb, "### Pass %d\n%s\n", i+1, content)
	}
	sb.WriteString("\nWrite the final verdict as the required JSON object.")
	return sb.String()
}

// buildRespondPrompt turns the final conclusion into the material for the
// user-facing summary.
func buildRespondPrompt(state *graph.RunState) string {
	var sb strings.Builder

	sb.WriteString("## Question\n")
	sb.WriteString(state.Query)
	sb.WriteString("\n\n")

	sb.WriteString(formatConclusionSection(state.Conclusion))
	sb.WriteString("\nWrite the answer for the user.")
	return sb.String()
}

func formatObligationSection(r *graph.Retrieval) string {
	if r == nil || len(r.Obligations) == 0 {
		return "## Retrieved Obligations\nNo obligations retrieved.\n"
	}

	var sb strings.Builder
	sb.WriteString("## Retrieved Obligations\n")
	for _, ob := range r.Obligations {
		ref := ob.ArticleRef
		if ref == "" {
			ref = ob.ID
		}
		fmt.Fprintf(&sb, "- [%s] %s (%s): %s\n", ob.ID, ob.Title, ref, ob.Excerpt)
	}
	return sb.String()
}

func formatEvidenceSection(existing, fresh []evidence.Item) string {
	total := len(existing) + len(fresh)
	if total == 0 {
		return "## Collected Evidence\nNo evidence collected.\n"
	}

	bySource := make(map[string]int)
	flagged := 0
	count := func(items []evidence.Item) {
		for _, item := range items {
			bySource[item.SourceSystem]++
			if item.Flagged {
				flagged++
			}
		}
	}
	count(existing)
	count(fresh)

	var sb strings.Builder
	sb.WriteString("## Collected Evidence\n")
	fmt.Fprintf(&sb, "%d items", total)
	if flagged > 0 {
		fmt.Fprintf(&sb, ", %d flagged for low quality", flagged)
	}
	sb.WriteString(":\n")
	for source, n := range bySource {
		fmt.Fprintf(&sb, "- %s: %d items\n", source, n)
	}
	return sb.String()
}

func formatConclusionSection(c *graph.Conclusion) string {
	if c == nil {
		return "## Conclusion\nNo conclusion was reached.\n"
	}

	var sb strings.Builder
	sb.WriteString("## Conclusion\n")
	sb.WriteString(c.Summary)
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Confidence: %.2f\n", c.Confidence)
	writeList := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		sb.WriteString("\n### ")
		sb.WriteString(title)
		sb.WriteString("\n")
		for _, item := range items {
			sb.WriteString("- ")
			sb.WriteString(item)
			sb.WriteString("\n")
		}
	}
	writeList("Gaps", c.Gaps)
	writeList("Recommendations", c.Recommendations)
	writeList("Risks", c.Risks)
	return sb.String()
}

func assistantMessages(messages []llm.Message) []string {
	var out []string
	for _, m := range messages {
		if m.Role == llm.RoleAssistant {
			out = append(out, m.Content)
		}
	}
	return out
}

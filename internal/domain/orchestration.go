package domain

import "time"

// Routing methods recorded on a RoutingDecision.
const (
	RoutingMethodModel   = "model"
	RoutingMethodKeyword = "keyword"
)

// RoutingDecision is the outcome of the expert selection step.
// Produced fresh for every request and never persisted by the pipeline.
type RoutingDecision struct {
	ExpertIDs []string `json:"experts"`
	Reasoning string   `json:"reasoning"`
	Method    string   `json:"method"`
}

// ExpertResult captures the outcome of one dispatched expert call.
// Exactly one of Content / ErrorMessage is non-empty.
type ExpertResult struct {
	ExpertID     string         `json:"expertId"`
	ExpertName   string         `json:"expertName"`
	Succeeded    bool           `json:"success"`
	Content      string         `json:"content,omitempty"`
	ErrorMessage string         `json:"error,omitempty"`
	Usage        map[string]any `json:"usage,omitempty"`
}

// OrchestrationResult is the unit of work returned for one user turn.
type OrchestrationResult struct {
	RunID         string          `json:"runId"`
	Succeeded     bool            `json:"success"`
	Routing       RoutingDecision `json:"routing"`
	ExpertResults []ExpertResult  `json:"expertResults"`
	FinalResponse string          `json:"finalResponse,omitempty"`
	ErrorMessage  string          `json:"error,omitempty"`
	StartedAt     time.Time       `json:"startedAt"`
	FinishedAt    time.Time       `json:"finishedAt"`
}

// SucceededResults filters to the expert results that completed successfully.
func SucceededResults(results []ExpertResult) []ExpertResult {
	out := make([]ExpertResult, 0, len(results))
	for _, r := range results {
		if r.Succeeded {
			out = append(out, r)
		}
	}
	return out
}

package task

import (
	"context"
	"strings"
)

// HeuristicCompletenessGate is the default completeness check for instant
// tasks. It flags obviously underspecified postings; the hosted model
// behind an HTTP gate can replace it without touching the engine.
type HeuristicCompletenessGate struct {
	MinTitleLen       int
	MinDescriptionLen int
}

func NewHeuristicCompletenessGate() *HeuristicCompletenessGate {
	return &HeuristicCompletenessGate{MinTitleLen: 8, MinDescriptionLen: 40}
}

func (g *HeuristicCompletenessGate) Evaluate(_ context.Context, title, description string) (bool, []string, error) {
	var missing []string
	if len(strings.TrimSpace(title)) < g.MinTitleLen {
		missing = append(missing, "title")
	}
	if len(strings.TrimSpace(description)) < g.MinDescriptionLen {
		missing = append(missing, "description")
	}
	return len(missing) == 0, missing, nil
}

var _ CompletenessGate = (*HeuristicCompletenessGate)(nil)

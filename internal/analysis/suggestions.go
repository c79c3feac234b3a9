package analysis

import (
	"fmt"
	"sort"
	"strings"
)

// #region suggest
// suggest derives optimization hints from transition counts and the cached
// analysis. Nothing here is stored.
func suggest(total int, buffer []StateTransition, a Analysis) []Suggestion {
	var out []Suggestion

	// 1. High-frequency actions, only once there is enough traffic to judge.
	if total > highFrequencyMinTotal {
		counts := make(map[string]int)
		for _, tr := range buffer {
			if tr.Action != "" {
				counts[tr.Action]++
			}
		}
		actions := make([]string, 0, len(counts))
		for action, c := range counts {
			if c > highFrequencyMinCount {
				actions = append(actions, action)
			}
		}
		sort.Slice(actions, func(i, j int) bool {
			if counts[actions[i]] != counts[actions[j]] {
				return counts[actions[i]] > counts[actions[j]]
			}
			return actions[i] < actions[j]
		})
		for _, action := range actions {
			out = append(out, Suggestion{
				Type:        SuggestHighFrequencyAction,
				Description: fmt.Sprintf("action %q ran %d times; consider batching or a shortcut", action, counts[action]),
				Priority:    PriorityMedium,
				Affected:    []string{action},
			})
		}
	}

	// 2. Slow transitions.
	if len(a.Anomalies) > 0 {
		seen := make(map[string]bool)
		var affected []string
		for _, an := range a.Anomalies {
			action := an.Transition.Action
			if action == "" || seen[action] {
				continue
			}
			seen[action] = true
			affected = append(affected, action)
		}
		out = append(out, Suggestion{
			Type:        SuggestSlowTransitions,
			Description: fmt.Sprintf("%d transitions took unusually long", len(a.Anomalies)),
			Priority:    PriorityHigh,
			Affected:    affected,
		})
	}

	// 3. Recurring chains.
	for _, p := range a.Patterns {
		if p.Confidence <= recurringMinConfidence {
			continue
		}
		out = append(out, Suggestion{
			Type:        SuggestRecurringPatterns,
			Description: fmt.Sprintf("chain %s recurs with %.0f%% confidence", strings.Join(p.Sequence, " -> "), p.Confidence*100),
			Priority:    PriorityMedium,
			Affected:    append([]string(nil), p.Sequence...),
		})
	}
	return out
}

// #endregion suggest

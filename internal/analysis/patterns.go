package analysis

import "strings"

// #region mine-patterns
// MinePatterns counts every action subsequence of length 2..5 over a sliding
// window and keeps those seen at least twice. Empty labels are skipped before
// windowing. Confidence is occurrences / (N - L + 1). Results are ordered by
// length, then by first appearance.
func MinePatterns(labels []string) []Pattern {
	actions := make([]string, 0, len(labels))
	for _, l := range labels {
		if l != "" {
			actions = append(actions, l)
		}
	}
	n := len(actions)

	var patterns []Pattern
	for length := minPatternLength; length <= maxPatternLength; length++ {
		windows := n - length + 1
		if windows <= 0 {
			break
		}
		counts := make(map[string]int)
		var order []string
		for i := 0; i < windows; i++ {
			key := sequenceKey(actions[i : i+length])
			if counts[key] == 0 {
				order = append(order, key)
			}
			counts[key]++
		}
		for _, key := range order {
			c := counts[key]
			if c < minPatternOccurrence {
				continue
			}
			patterns = append(patterns, Pattern{
				Sequence:    splitKey(key),
				Occurrences: c,
				Confidence:  float64(c) / float64(windows),
			})
		}
	}
	return patterns
}

// #endregion mine-patterns

// #region helpers
// Labels may contain any printable text, so tuples are keyed with a
// separator that cannot appear in them.
const keySep = "\x00"

func sequenceKey(seq []string) string {
	return strings.Join(seq, keySep)
}

func splitKey(key string) []string {
	return strings.Split(key, keySep)
}

// #endregion helpers

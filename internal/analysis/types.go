package analysis

import (
	"time"

	"github.com/danielpatrickdp/adaptive-state/evolution/internal/state"
)

// #region config
// Config holds tuning knobs for the engine.
type Config struct {
	BufferSize   int // transitions retained for mining; oldest evicted first
	AnalyzeEvery int // re-run mining and anomaly scan every N recorded transitions
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:   1000,
		AnalyzeEvery: 10,
	}
}

const (
	minPatternLength     = 2
	maxPatternLength     = 5
	minPatternOccurrence = 2

	minAnomalySamples = 5
	anomalyStdDevs    = 2.0

	highFrequencyMinTotal  = 50 // total transitions must exceed this
	highFrequencyMinCount  = 20 // a single action must exceed this
	recurringMinConfidence = 0.5
)

// #endregion config

// #region transition
// StateTransition is one recorded (from, to, action) event. Duration is the
// gap since the previous transition recorded on the same engine. Source names
// the store that produced it and is empty when the caller did not say.
type StateTransition struct {
	From      state.State
	To        state.State
	Timestamp time.Time
	Duration  time.Duration
	Action    string
	Source    string
}

// #endregion transition

// #region results
// Pattern is a recurring action sequence.
type Pattern struct {
	Sequence    []string
	Occurrences int
	Confidence  float64
}

// Anomaly is a transition whose duration is a statistical outlier.
type Anomaly struct {
	Transition StateTransition
	ZScore     float64
}

// Priority ranks suggestions.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Suggestion types.
const (
	SuggestHighFrequencyAction = "high_frequency_action"
	SuggestSlowTransitions     = "slow_transitions"
	SuggestRecurringPatterns   = "recurring_patterns"
)

// Suggestion is a derived optimization hint.
type Suggestion struct {
	Type        string
	Description string
	Priority    Priority
	Affected    []string
}

// Insights aggregates everything the engine knows.
type Insights struct {
	TransitionCount         int
	AverageTransitionTime   time.Duration
	FrequentPatterns        []Pattern
	OptimizationSuggestions []Suggestion
	Anomalies               []Anomaly
}

// Analysis is the cached output of the most recent analysis pass. Seq
// increments on every pass.
type Analysis struct {
	Seq       int
	At        time.Time
	Patterns  []Pattern
	Anomalies []Anomaly
}

// #endregion results

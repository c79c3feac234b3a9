package analysis

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-state/evolution/internal/state"
)

// #region engine
// Engine records state transitions into a bounded buffer and periodically
// mines action patterns and duration anomalies from it.
type Engine struct {
	mu     sync.Mutex
	cfg    Config
	clock  func() time.Time
	logger *zap.Logger

	buffer        []StateTransition
	last          time.Time
	total         int
	totalDuration time.Duration
	analysis      Analysis
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now for transition timestamps.
func WithClock(c func() time.Time) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an engine. Non-positive config fields fall back to defaults.
func NewEngine(cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.AnalyzeEvery <= 0 {
		cfg.AnalyzeEvery = def.AnalyzeEvery
	}
	e := &Engine{
		cfg:    cfg,
		clock:  time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// #endregion engine

// #region record
// RecordTransition appends a transition and, on every AnalyzeEvery-th call,
// re-runs pattern mining and anomaly detection.
func (e *Engine) RecordTransition(from, to state.State, action string) StateTransition {
	return e.RecordSourceTransition("", from, to, action)
}

// RecordSourceTransition is RecordTransition with the producing store's id
// attached, so anomalies can be traced back to it when several stores share
// one engine.
func (e *Engine) RecordSourceTransition(source string, from, to state.State, action string) StateTransition {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	var dur time.Duration
	if e.total > 0 {
		dur = now.Sub(e.last)
	}
	e.last = now

	tr := StateTransition{
		From:      from.Clone(),
		To:        to.Clone(),
		Timestamp: now,
		Duration:  dur,
		Action:    action,
		Source:    source,
	}
	e.buffer = append(e.buffer, tr)
	if len(e.buffer) > e.cfg.BufferSize {
		drop := len(e.buffer) - e.cfg.BufferSize
		clear(e.buffer[:drop])
		e.buffer = e.buffer[drop:]
	}
	e.total++
	e.totalDuration += dur

	if e.total%e.cfg.AnalyzeEvery == 0 {
		e.analyzeLocked(now)
	}
	return tr
}

// #endregion record

// #region analyze
// Reanalyze forces an analysis pass over the current buffer.
func (e *Engine) Reanalyze() Analysis {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.analyzeLocked(e.clock())
	return e.copyAnalysisLocked()
}

// LastAnalysis returns the result of the most recent analysis pass.
func (e *Engine) LastAnalysis() Analysis {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.copyAnalysisLocked()
}

func (e *Engine) analyzeLocked(now time.Time) {
	labels := make([]string, len(e.buffer))
	for i, tr := range e.buffer {
		labels[i] = tr.Action
	}
	e.analysis = Analysis{
		Seq:       e.analysis.Seq + 1,
		At:        now,
		Patterns:  MinePatterns(labels),
		Anomalies: DetectAnomalies(e.buffer),
	}
	e.logger.Debug("transition analysis",
		zap.Int("seq", e.analysis.Seq),
		zap.Int("buffered", len(e.buffer)),
		zap.Int("patterns", len(e.analysis.Patterns)),
		zap.Int("anomalies", len(e.analysis.Anomalies)),
	)
}

func (e *Engine) copyAnalysisLocked() Analysis {
	a := e.analysis
	a.Patterns = append([]Pattern(nil), a.Patterns...)
	a.Anomalies = append([]Anomaly(nil), a.Anomalies...)
	return a
}

// #endregion analyze

// #region insights
// Insights returns aggregate statistics, the cached patterns and anomalies of
// the last analysis pass, and suggestions derived from them.
func (e *Engine) Insights() Insights {
	e.mu.Lock()
	defer e.mu.Unlock()

	var avg time.Duration
	if e.total > 1 {
		avg = e.totalDuration / time.Duration(e.total-1)
	}
	a := e.copyAnalysisLocked()
	return Insights{
		TransitionCount:         e.total,
		AverageTransitionTime:   avg,
		FrequentPatterns:        a.Patterns,
		OptimizationSuggestions: suggest(e.total, e.buffer, a),
		Anomalies:               a.Anomalies,
	}
}

// Transitions returns a copy of the buffered transitions, oldest first.
func (e *Engine) Transitions() []StateTransition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]StateTransition(nil), e.buffer...)
}

// #endregion insights

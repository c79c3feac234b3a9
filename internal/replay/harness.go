package replay

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-state/evolution/internal/analysis"
	"github.com/danielpatrickdp/adaptive-state/evolution/internal/evolution"
	"github.com/danielpatrickdp/adaptive-state/evolution/internal/state"
	"github.com/danielpatrickdp/adaptive-state/evolution/internal/synth"
)

// #region types

// Options carries collaborators and run-wide defaults for a replay. Zero
// values are fine. Store and Policy apply only when the fixture does not set
// its own.
type Options struct {
	Logger    *zap.Logger
	Formatter synth.Formatter
	Archive   evolution.Archive
	Store     state.Config
	Analysis  analysis.Config
	Policy    evolution.Policy
}

// StepResult is the outcome of one fixture step.
type StepResult struct {
	Index      int
	Op         string
	Domain     string
	Applied    bool // false for a revert or load that matched nothing
	HistoryLen int
	Timestamp  time.Time
}

// ReplayResult captures everything a run produced.
type ReplayResult struct {
	Steps          []StepResult
	Events         []evolution.Event
	Records        []evolution.Record
	EventCounts    map[string]int
	RecordCounts   map[string]int
	HistoryLengths map[string]int
	Final          map[string]state.State
	Insights       analysis.Insights
	AnalysisPasses int
}

// Mismatch is one expectation the run did not meet.
type Mismatch struct {
	Kind string
	Key  string
	Want int
	Got  int
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s[%s]: want %d, got %d", m.Kind, m.Key, m.Want, m.Got)
}

// fixtureClock only moves when a step advances it.
type fixtureClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixtureClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixtureClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// #endregion types

// #region replay

// Replay runs the fixture's steps through a fresh coordinator. Regenerations
// are drained after every step so results are deterministic.
func Replay(f *Fixture, opts Options) (*ReplayResult, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	start := f.Start
	if start.IsZero() {
		start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	clk := &fixtureClock{now: start}

	var synthOpts []synth.Option
	synthOpts = append(synthOpts, synth.WithLogger(logger))
	if opts.Formatter != nil {
		synthOpts = append(synthOpts, synth.WithFormatter(opts.Formatter))
	}
	syn := synth.New(synthOpts...)
	for _, tf := range f.Templates {
		tmpl, err := synth.NewTextTemplate(tf.Name, tf.Source)
		if err != nil {
			return nil, err
		}
		syn.Register(tmpl)
	}

	policy, err := buildPolicy(f.Policy, opts.Policy)
	if err != nil {
		return nil, err
	}
	storeCfg := opts.Store
	if f.Store != nil {
		storeCfg = f.Store.ToStoreConfig()
	}
	engine := analysis.NewEngine(opts.Analysis,
		analysis.WithClock(clk.Now),
		analysis.WithLogger(logger),
	)

	coordOpts := []evolution.Option{
		evolution.WithLogger(logger),
		evolution.WithClock(clk.Now),
		evolution.WithSynthesizer(syn),
		evolution.WithEngine(engine),
		evolution.WithPolicy(policy),
		evolution.WithStoreConfig(storeCfg),
	}
	if opts.Archive != nil {
		coordOpts = append(coordOpts, evolution.WithArchive(opts.Archive))
	}
	coord := evolution.New(coordOpts...)

	var mu sync.Mutex
	var events []evolution.Event
	unsubscribe := coord.Subscribe(func(ev evolution.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	defer unsubscribe()

	for _, d := range f.Domains {
		if _, err := coord.Register(d.ID, state.State(d.Initial)); err != nil {
			return nil, err
		}
	}

	results := make([]StepResult, 0, len(f.Steps))
	for i, st := range f.Steps {
		clk.advance(time.Duration(st.AdvanceMS) * time.Millisecond)
		res, err := runStep(coord, st, results)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, st.Op, err)
		}
		res.Index = i
		results = append(results, res)
		if err := coord.Wait(); err != nil {
			return nil, err
		}
	}

	out := &ReplayResult{
		Steps:          results,
		Events:         events,
		Records:        coord.History(evolution.Filter{}),
		EventCounts:    make(map[string]int),
		RecordCounts:   make(map[string]int),
		HistoryLengths: make(map[string]int),
		Final:          make(map[string]state.State),
		Insights:       coord.Engine().Insights(),
		AnalysisPasses: coord.Engine().LastAnalysis().Seq,
	}
	for _, ev := range out.Events {
		out.EventCounts[string(ev.Type)]++
	}
	for _, rec := range out.Records {
		out.RecordCounts[rec.Action]++
	}
	for _, id := range coord.Domains() {
		s, _ := coord.Store(id)
		out.HistoryLengths[id] = s.Len()
		out.Final[id] = s.Current()
	}
	return out, nil
}

func buildPolicy(p FixturePolicy, fallback evolution.Policy) (evolution.Policy, error) {
	switch {
	case p.Expression != "":
		return evolution.NewExprPolicy(p.Expression)
	case p.Every > 0:
		return evolution.EveryN(p.Every), nil
	case fallback != nil:
		return fallback, nil
	}
	return evolution.EveryN(evolution.DefaultRegenerateEvery), nil
}

func runStep(coord *evolution.Coordinator, st FixtureStep, done []StepResult) (StepResult, error) {
	res := StepResult{Op: st.Op, Domain: st.Domain, Applied: true}
	if st.Op == OpAdvance {
		return res, nil
	}
	s, err := coord.Store(st.Domain)
	if err != nil {
		return res, err
	}

	switch st.Op {
	case OpUpdate:
		e := s.Update(state.State(st.Partial), state.Origin(st.Origin))
		res.Timestamp = e.Timestamp
	case OpSnapshot:
		s.CreateSnapshot(st.Name)
	case OpLoad:
		res.Applied = s.LoadSnapshot(st.Name)
	case OpRevert:
		target := done[st.TargetStep]
		if target.Timestamp.IsZero() {
			return res, fmt.Errorf("revert target step %d has no history entry", st.TargetStep)
		}
		res.Applied = s.RevertTo(target.Timestamp)
	}
	if res.Applied && st.Op != OpUpdate && st.Op != OpSnapshot {
		h := s.History()
		res.Timestamp = h[len(h)-1].Timestamp
	}
	res.HistoryLen = s.Len()
	return res, nil
}

// #endregion replay

// #region check

// Check compares a run against the fixture's expectations and returns every
// mismatch, sorted by kind then key.
func Check(exp FixtureExpected, r *ReplayResult) []Mismatch {
	var out []Mismatch
	compare := func(kind string, want, got map[string]int) {
		for k, w := range want {
			if g := got[k]; g != w {
				out = append(out, Mismatch{Kind: kind, Key: k, Want: w, Got: g})
			}
		}
	}
	compare("events", exp.Events, r.EventCounts)
	compare("records", exp.Records, r.RecordCounts)
	compare("history", exp.HistoryLengths, r.HistoryLengths)
	if exp.Transitions > 0 && exp.Transitions != r.Insights.TransitionCount {
		out = append(out, Mismatch{Kind: "transitions", Key: "total", Want: exp.Transitions, Got: r.Insights.TransitionCount})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// #endregion check

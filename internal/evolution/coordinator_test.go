package evolution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/danielpatrickdp/adaptive-state/evolution/internal/state"
	"github.com/danielpatrickdp/adaptive-state/evolution/internal/synth"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// #region helpers
// manualClock only moves when advanced. Safe for regeneration goroutines.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder collects events from a subscription.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types(domainID string) []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventType
	for _, ev := range r.events {
		if domainID == "" || ev.StateID == domainID {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (r *recorder) count(t EventType) int {
	n := 0
	for _, got := range r.types("") {
		if got == t {
			n++
		}
	}
	return n
}

func viewTemplate(name string) synth.Template {
	return synth.TemplateFunc{TemplateName: name, Fn: func(data any) (string, error) {
		return fmt.Sprintf("view n=%v", data.(map[string]any)["n"]), nil
	}}
}

// newTestCoordinator wires a manual clock and an event recorder, and drains
// regenerations on cleanup.
func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *manualClock, *recorder) {
	t.Helper()
	clk := newManualClock()
	c := New(append([]Option{WithClock(clk.Now)}, opts...)...)
	rec := &recorder{}
	c.Subscribe(rec.handle)
	t.Cleanup(func() {
		if err := c.Wait(); err != nil {
			t.Errorf("wait: %v", err)
		}
	})
	return c, clk, rec
}

type fakeArchive struct {
	mu      sync.Mutex
	records []Record
	entries []state.StateSnapshot
	err     error
}

func (a *fakeArchive) AppendRecord(_ context.Context, rec Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.records = append(a.records, rec)
	return nil
}

func (a *fakeArchive) SaveEntry(_ context.Context, _ string, e state.StateSnapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.entries = append(a.entries, e)
	return nil
}

// #endregion helpers

// #region register-tests
func TestRegisterRejectsDuplicateAndEmpty(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	if _, err := c.Register("inbox", state.State{"n": 0}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := c.Register("inbox", state.State{}); !errors.Is(err, ErrDomainExists) {
		t.Fatalf("expected ErrDomainExists, got %v", err)
	}
	if _, err := c.Register("", state.State{}); !errors.Is(err, ErrEmptyDomainID) {
		t.Fatalf("expected ErrEmptyDomainID, got %v", err)
	}
	if diff := cmp.Diff([]string{"inbox"}, c.Domains()); diff != "" {
		t.Fatalf("domains mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreUnknownDomain(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	if _, err := c.Store("ghost"); !errors.Is(err, ErrDomainNotFound) {
		t.Fatalf("expected ErrDomainNotFound, got %v", err)
	}
	if err := c.Unregister("ghost"); !errors.Is(err, ErrDomainNotFound) {
		t.Fatalf("expected ErrDomainNotFound, got %v", err)
	}
}

func TestRegisterUsesStoreConfig(t *testing.T) {
	c, clk, _ := newTestCoordinator(t, WithStoreConfig(state.Config{MaxHistory: 3}))
	s, _ := c.Register("inbox", state.State{"n": 0})
	for i := 1; i <= 5; i++ {
		clk.Advance(time.Second)
		s.Update(state.State{"n": i}, state.OriginUser)
	}
	if s.Len() != 3 {
		t.Fatalf("expected history capped at 3, got %d", s.Len())
	}
}

func TestUnregisterStopsObserving(t *testing.T) {
	c, _, rec := newTestCoordinator(t)
	s, _ := c.Register("inbox", state.State{"n": 0})

	if err := c.Unregister("inbox"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	s.Update(state.State{"n": 1}, state.OriginUser)
	if n := len(rec.types("")); n != 0 {
		t.Fatalf("expected no events after unregister, got %d", n)
	}
	if _, err := c.Register("inbox", state.State{}); err != nil {
		t.Fatalf("re-register after unregister: %v", err)
	}
}

// #endregion register-tests

// #region change-tests
func TestUpdatePublishesAndLogs(t *testing.T) {
	c, _, rec := newTestCoordinator(t)
	s, _ := c.Register("inbox", state.State{"n": 0})

	s.Update(state.State{"n": 1}, state.OriginAI)

	if diff := cmp.Diff([]EventType{EventStateUpdate}, rec.types("inbox")); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	ev := rec.events[0]
	if ev.Metadata["origin"] != "ai" || ev.Metadata["historyLength"] != 2 {
		t.Fatalf("unexpected event metadata: %v", ev.Metadata)
	}

	updates := c.History(Filter{Actions: []string{ActionStateUpdated}})
	if len(updates) != 1 || updates[0].DomainID != "inbox" {
		t.Fatalf("expected one state_updated record, got %+v", updates)
	}
	if c.Engine().Insights().TransitionCount != 1 {
		t.Fatal("expected the transition forwarded to the engine")
	}
	if got := c.Engine().Transitions()[0].Action; got != "update:n" {
		t.Fatalf("expected action label update:n, got %q", got)
	}
}

func TestRevertLoadAndSnapshotEvents(t *testing.T) {
	c, clk, rec := newTestCoordinator(t)
	s, _ := c.Register("inbox", state.State{"n": 0})

	clk.Advance(time.Second)
	e := s.Update(state.State{"n": 1}, state.OriginUser)
	s.CreateSnapshot("one")
	clk.Advance(time.Second)
	s.Update(state.State{"n": 2}, state.OriginUser)
	s.RevertTo(e.Timestamp)
	s.LoadSnapshot("one")
	s.LoadSnapshot("missing")

	want := []EventType{
		EventStateUpdate,
		EventSnapshotCreated,
		EventStateUpdate,
		EventStateReverted,
		EventStateReverted,
	}
	if diff := cmp.Diff(want, rec.types("inbox")); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	if n := len(c.History(Filter{Actions: []string{ActionSnapshotCreated}})); n != 1 {
		t.Fatalf("expected one snapshot_created record, got %d", n)
	}
	labels := make([]string, 0)
	for _, tr := range c.Engine().Transitions() {
		labels = append(labels, tr.Action)
	}
	if diff := cmp.Diff([]string{"update:n", "update:n", "revert", "load"}, labels); diff != "" {
		t.Fatalf("transition labels mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscriberMayUpdateStore(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	s, _ := c.Register("inbox", state.State{"n": 0})

	c.Subscribe(func(ev Event) {
		if ev.Type == EventStateUpdate && ev.Metadata["historyLength"] == 2 {
			s.Update(state.State{"seen": true}, state.OriginSystem)
		}
	})

	s.Update(state.State{"n": 1}, state.OriginUser)
	if s.Len() != 3 {
		t.Fatalf("expected nested update applied, history len %d", s.Len())
	}
	if s.Current()["seen"] != true {
		t.Fatalf("expected seen=true, got %v", s.Current())
	}
}

// #endregion change-tests

// #region regeneration-tests
func TestRegenerationOnEveryTenthUpdate(t *testing.T) {
	c, clk, rec := newTestCoordinator(t)
	c.Synthesizer().Register(viewTemplate("inboxView"))
	s, _ := c.Register("inbox", state.State{"n": 0})

	var triggeredAt []int
	for i := 1; i <= 30; i++ {
		clk.Advance(time.Second)
		before := rec.count(EventCodeGenerated)
		s.Update(state.State{"n": i}, state.OriginUser)
		if err := c.Wait(); err != nil {
			t.Fatalf("wait: %v", err)
		}
		if rec.count(EventCodeGenerated) > before {
			triggeredAt = append(triggeredAt, i)
		}
	}
	if diff := cmp.Diff([]int{10, 20, 30}, triggeredAt); diff != "" {
		t.Fatalf("regeneration points mismatch (-want +got):\n%s", diff)
	}
}

func TestStateUpdatePrecedesCodeGenerated(t *testing.T) {
	c, _, rec := newTestCoordinator(t)
	c.Synthesizer().Register(viewTemplate("inboxView"))
	s, _ := c.Register("inbox", state.State{"n": 0})

	for i := 1; i <= 10; i++ {
		s.Update(state.State{"n": i}, state.OriginUser)
	}
	c.Wait()

	types := rec.types("inbox")
	if len(types) != 11 {
		t.Fatalf("expected 10 updates and 1 generation, got %v", types)
	}
	if types[len(types)-1] != EventCodeGenerated {
		t.Fatalf("expected code_generated after the tenth state_update, got %v", types)
	}

	var gen Event
	for _, ev := range rec.events {
		if ev.Type == EventCodeGenerated {
			gen = ev
		}
	}
	if gen.Metadata["code"] != "view n=10" {
		t.Fatalf("unexpected code artifact: %v", gen.Metadata["code"])
	}
	if !strings.Contains(gen.Metadata["types"].(string), "type InboxState struct") {
		t.Fatalf("unexpected types artifact:\n%s", gen.Metadata["types"])
	}
	if n := len(c.History(Filter{Actions: []string{ActionCodeGenerated}})); n != 1 {
		t.Fatalf("expected one code_generated record, got %d", n)
	}
}

func TestRegenerationFailureIsSilent(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	c, _, rec := newTestCoordinator(t, WithLogger(zap.New(core)))
	s, _ := c.Register("inbox", state.State{"n": 0})

	for i := 1; i <= 10; i++ {
		s.Update(state.State{"n": i}, state.OriginUser)
	}
	c.Wait()

	if n := rec.count(EventCodeGenerated); n != 0 {
		t.Fatalf("expected no code_generated events, got %d", n)
	}
	failed := c.History(Filter{Actions: []string{ActionRegenerationFailed}})
	if len(failed) != 1 {
		t.Fatalf("expected one failure record, got %d", len(failed))
	}
	if failed[0].Metadata["template"] != "inboxView" {
		t.Fatalf("unexpected failure metadata: %v", failed[0].Metadata)
	}
	if logs.FilterMessage("code regeneration failed").Len() != 1 {
		t.Fatalf("expected a warning, got %v", logs.All())
	}
}

func TestRegenerateCodeDirect(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	c.Synthesizer().Register(viewTemplate("aiChatView"))
	c.Register("aiChat", state.State{"n": 0})

	art, err := c.RegenerateCode(context.Background(), "aiChat", state.State{"n": 7, "title": "x"})
	if err != nil {
		t.Fatalf("RegenerateCode: %v", err)
	}
	if art.Code != "view n=7" || art.Template != "aiChatView" {
		t.Fatalf("unexpected artifacts: %+v", art)
	}
	if !strings.Contains(art.Types, "type AiChatState struct") {
		t.Fatalf("unexpected types:\n%s", art.Types)
	}

	if _, err := c.RegenerateCode(context.Background(), "ghost", nil); !errors.Is(err, ErrDomainNotFound) {
		t.Fatalf("expected ErrDomainNotFound, got %v", err)
	}
}

func TestExprPolicyDrivesRegeneration(t *testing.T) {
	p, err := NewExprPolicy(`changes % 3 == 0 && domain != "audit"`)
	if err != nil {
		t.Fatalf("NewExprPolicy: %v", err)
	}
	c, _, rec := newTestCoordinator(t, WithPolicy(p))
	c.Synthesizer().Register(viewTemplate("inboxView"))
	c.Synthesizer().Register(viewTemplate("auditView"))
	inbox, _ := c.Register("inbox", state.State{"n": 0})
	audit, _ := c.Register("audit", state.State{"n": 0})

	for i := 1; i <= 6; i++ {
		inbox.Update(state.State{"n": i}, state.OriginUser)
		audit.Update(state.State{"n": i}, state.OriginUser)
	}
	c.Wait()

	gen := c.History(Filter{Actions: []string{ActionCodeGenerated}})
	if len(gen) != 2 {
		t.Fatalf("expected 2 generations, got %d", len(gen))
	}
	for _, r := range gen {
		if r.DomainID != "inbox" {
			t.Fatalf("unexpected generation for %s", r.DomainID)
		}
	}
	if rec.count(EventCodeGenerated) != 2 {
		t.Fatalf("expected 2 code_generated events, got %d", rec.count(EventCodeGenerated))
	}
}

func TestPolicies(t *testing.T) {
	history, err := NewExprPolicy("history >= 4")
	if err != nil {
		t.Fatalf("NewExprPolicy: %v", err)
	}
	tests := []struct {
		name   string
		policy Policy
		in     PolicyInput
		want   bool
	}{
		{"every10 at 10", EveryN(10), PolicyInput{Changes: 10}, true},
		{"every10 at 9", EveryN(10), PolicyInput{Changes: 9}, false},
		{"every10 at 0", EveryN(10), PolicyInput{Changes: 0}, false},
		{"disabled", EveryN(0), PolicyInput{Changes: 10}, false},
		{"expr history met", history, PolicyInput{HistoryLen: 4}, true},
		{"expr history short", history, PolicyInput{HistoryLen: 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.policy.ShouldRegenerate(tt.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestExprPolicyRejectsNonBool(t *testing.T) {
	if _, err := NewExprPolicy("changes + 1"); err == nil {
		t.Fatal("expected compile error for non-bool expression")
	}
	if _, err := NewExprPolicy("unknown_var > 1"); err == nil {
		t.Fatal("expected compile error for unknown variable")
	}
}

// #endregion regeneration-tests

// #region anomaly-tests
func TestAnomalyDetectedPublished(t *testing.T) {
	c, clk, rec := newTestCoordinator(t)
	s, _ := c.Register("inbox", state.State{"n": 0})

	// Durations after the first: eight 10ms gaps then one 500ms gap.
	for i := 1; i <= 10; i++ {
		switch {
		case i == 10:
			clk.Advance(500 * time.Millisecond)
		case i > 1:
			clk.Advance(10 * time.Millisecond)
		}
		s.Update(state.State{"n": i}, state.OriginUser)
	}
	c.Wait()

	if n := rec.count(EventAnomalyDetected); n != 1 {
		t.Fatalf("expected one anomaly_detected event, got %d", n)
	}
	var ev Event
	for _, e := range rec.events {
		if e.Type == EventAnomalyDetected {
			ev = e
		}
	}
	if ev.Metadata["count"] != 1 {
		t.Fatalf("expected exactly one anomaly, got %v", ev.Metadata)
	}
}

func TestAnomalyAttributedToOwningDomain(t *testing.T) {
	c, clk, rec := newTestCoordinator(t)
	inbox, _ := c.Register("inbox", state.State{"n": 0})
	chat, _ := c.Register("chat", state.State{"n": 0})

	// The slow transition is chat's; inbox's change completes the pass.
	for i := 1; i <= 10; i++ {
		switch {
		case i == 9:
			clk.Advance(500 * time.Millisecond)
			chat.Update(state.State{"n": i}, state.OriginUser)
			continue
		case i > 1:
			clk.Advance(10 * time.Millisecond)
		}
		inbox.Update(state.State{"n": i}, state.OriginUser)
	}
	c.Wait()

	var got []Event
	for _, e := range rec.events {
		if e.Type == EventAnomalyDetected {
			got = append(got, e)
		}
	}
	if len(got) != 1 {
		t.Fatalf("expected one anomaly_detected event, got %d", len(got))
	}
	if got[0].StateID != "chat" {
		t.Fatalf("expected anomaly attributed to chat, got %q", got[0].StateID)
	}
	if got[0].Metadata["trigger"] != "inbox" {
		t.Fatalf("expected inbox as trigger, got %v", got[0].Metadata["trigger"])
	}
}

func TestNoAnomalyEventForSteadyUpdates(t *testing.T) {
	c, clk, rec := newTestCoordinator(t)
	s, _ := c.Register("inbox", state.State{"n": 0})
	for i := 1; i <= 20; i++ {
		clk.Advance(10 * time.Millisecond)
		s.Update(state.State{"n": i}, state.OriginUser)
	}
	c.Wait()
	if n := rec.count(EventAnomalyDetected); n != 0 {
		t.Fatalf("expected no anomaly events, got %d", n)
	}
}

// #endregion anomaly-tests

// #region bus-tests
func TestUnsubscribeIsIndependent(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	s, _ := c.Register("inbox", state.State{"n": 0})

	var a, b int
	unsubA := c.Subscribe(func(Event) { a++ })
	c.Subscribe(func(Event) { b++ })

	s.Update(state.State{"n": 1}, state.OriginUser)
	unsubA()
	unsubA()
	s.Update(state.State{"n": 2}, state.OriginUser)

	if a != 1 || b != 2 {
		t.Fatalf("expected a=1 b=2, got a=%d b=%d", a, b)
	}
}

func TestSubscriberPanicIsIsolated(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	c, _, rec := newTestCoordinator(t, WithLogger(zap.New(core)))
	c.Subscribe(func(Event) { panic("boom") })
	s, _ := c.Register("inbox", state.State{"n": 0})

	s.Update(state.State{"n": 1}, state.OriginUser)

	if rec.count(EventStateUpdate) != 1 {
		t.Fatal("expected other subscribers to still receive the event")
	}
	if logs.FilterMessage("subscriber panicked").Len() != 1 {
		t.Fatalf("expected panic warning, got %v", logs.All())
	}
}

// #endregion bus-tests

// #region history-tests
func TestHistoryFilter(t *testing.T) {
	c, clk, _ := newTestCoordinator(t)
	inbox, _ := c.Register("inbox", state.State{"n": 0})
	clk.Advance(time.Minute)
	mid := clk.Now()
	chat, _ := c.Register("chat", state.State{"n": 0})
	clk.Advance(time.Minute)
	inbox.Update(state.State{"n": 1}, state.OriginUser)
	chat.Update(state.State{"n": 1}, state.OriginUser)

	all := c.History(Filter{})
	if len(all) != 4 {
		t.Fatalf("expected 4 records, got %d", len(all))
	}

	byDomain := c.History(Filter{DomainIDs: []string{"chat"}})
	var actions []string
	for _, r := range byDomain {
		actions = append(actions, r.Action)
	}
	if diff := cmp.Diff([]string{ActionDomainRegistered, ActionStateUpdated}, actions); diff != "" {
		t.Fatalf("chat actions mismatch (-want +got):\n%s", diff)
	}

	since := c.History(Filter{Since: mid, Actions: []string{ActionDomainRegistered}})
	if len(since) != 1 || since[0].DomainID != "chat" {
		t.Fatalf("expected only chat registration since mid, got %+v", since)
	}

	until := c.History(Filter{Until: mid})
	if len(until) != 2 {
		t.Fatalf("expected both registrations up to mid, got %d", len(until))
	}
}

func TestHistoryIsACopy(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	c.Register("inbox", state.State{})
	recs := c.History(Filter{})
	recs[0].Metadata["maxHistory"] = 99
	if c.History(Filter{})[0].Metadata["maxHistory"] != 0 {
		t.Fatal("expected history metadata isolated from callers")
	}
}

func TestLogLimit(t *testing.T) {
	c, _, _ := newTestCoordinator(t, WithLogLimit(3))
	s, _ := c.Register("inbox", state.State{"n": 0})
	for i := 1; i <= 5; i++ {
		s.Update(state.State{"n": i}, state.OriginUser)
	}
	recs := c.History(Filter{})
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	for _, r := range recs {
		if r.Action != ActionStateUpdated {
			t.Fatalf("expected only recent state_updated records, got %s", r.Action)
		}
	}
}

// #endregion history-tests

// #region archive-tests
func TestArchiveMirrorsLogAndHistory(t *testing.T) {
	arch := &fakeArchive{}
	c, _, _ := newTestCoordinator(t, WithArchive(arch))
	s, _ := c.Register("inbox", state.State{"n": 0})
	s.Update(state.State{"n": 1}, state.OriginUser)
	s.CreateSnapshot("x")

	if len(arch.entries) != 2 {
		t.Fatalf("expected seed and update entries, got %d", len(arch.entries))
	}
	if diff := cmp.Diff(s.History()[1].ID, arch.entries[1].ID); diff != "" {
		t.Fatalf("entry id mismatch: %s", diff)
	}
	if len(arch.records) != len(c.History(Filter{})) {
		t.Fatalf("expected every record archived, got %d of %d", len(arch.records), len(c.History(Filter{})))
	}
}

func TestArchiveFailureIsAbsorbed(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	arch := &fakeArchive{err: errors.New("disk full")}
	c, _, rec := newTestCoordinator(t, WithArchive(arch), WithLogger(zap.New(core)))
	s, err := c.Register("inbox", state.State{"n": 0})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	s.Update(state.State{"n": 1}, state.OriginUser)

	if rec.count(EventStateUpdate) != 1 {
		t.Fatal("expected update to proceed despite archive failure")
	}
	if logs.FilterMessage("archive entry failed").Len() != 2 {
		t.Fatalf("expected entry warnings, got %v", logs.All())
	}
	if logs.FilterMessage("archive record failed").Len() != 2 {
		t.Fatalf("expected record warnings, got %v", logs.All())
	}
}

// #endregion archive-tests

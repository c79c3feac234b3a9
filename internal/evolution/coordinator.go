package evolution

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/adaptive-state/evolution/internal/analysis"
	"github.com/danielpatrickdp/adaptive-state/evolution/internal/state"
	"github.com/danielpatrickdp/adaptive-state/evolution/internal/synth"
)

// #region coordinator-struct
// Coordinator owns one temporal store per registered domain, feeds every
// change to the analysis engine, triggers code regeneration and publishes
// events to subscribers.
type Coordinator struct {
	logger   *zap.Logger
	clock    func() time.Time
	synth    *synth.Synthesizer
	engine   *analysis.Engine
	policy   Policy
	archive  Archive
	storeCfg state.Config
	logLimit int

	mu      sync.RWMutex
	domains map[string]*domain

	bus *bus
	log *historyLog

	// lastAnalysis is the engine pass already checked for anomalies.
	amu          sync.Mutex
	lastAnalysis int

	regen errgroup.Group
}

// domain is a registered store plus its change counter. changes is only
// touched from the store's change handler, which the store serializes.
type domain struct {
	id          string
	store       *state.Store
	changes     int
	unsubscribe func()
}

// #endregion coordinator-struct

// #region options
// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator's logger. Default components created by New
// share it.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides time.Now for stores, the engine, events and records.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithSynthesizer sets the synthesizer used for regeneration.
func WithSynthesizer(s *synth.Synthesizer) Option {
	return func(c *Coordinator) { c.synth = s }
}

// WithEngine sets the analysis engine shared by all domains.
func WithEngine(e *analysis.Engine) Option {
	return func(c *Coordinator) { c.engine = e }
}

// WithPolicy replaces the default EveryN(10) regeneration policy.
func WithPolicy(p Policy) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.policy = p
		}
	}
}

// WithArchive mirrors log records and history entries into a.
func WithArchive(a Archive) Option {
	return func(c *Coordinator) { c.archive = a }
}

// WithStoreConfig sets the retention config of stores created by Register.
func WithStoreConfig(cfg state.Config) Option {
	return func(c *Coordinator) { c.storeCfg = cfg }
}

// WithLogLimit keeps only the n most recent evolution-log records in memory.
// Zero keeps everything.
func WithLogLimit(n int) Option {
	return func(c *Coordinator) { c.logLimit = n }
}

// #endregion options

// #region constructor
// New creates a coordinator with no registered domains.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:  zap.NewNop(),
		clock:   time.Now,
		policy:  EveryN(DefaultRegenerateEvery),
		domains: make(map[string]*domain),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.synth == nil {
		c.synth = synth.New(synth.WithLogger(c.logger))
	}
	if c.engine == nil {
		c.engine = analysis.NewEngine(analysis.DefaultConfig(),
			analysis.WithClock(c.clock),
			analysis.WithLogger(c.logger),
		)
	}
	c.bus = newBus(c.logger)
	c.log = &historyLog{limit: c.logLimit}
	return c
}

// #endregion constructor

// #region register
// Register creates and wires a store for domainID using the coordinator's
// store config.
func (c *Coordinator) Register(domainID string, initial state.State) (*state.Store, error) {
	return c.RegisterWithConfig(domainID, initial, c.storeCfg)
}

// RegisterWithConfig is Register with an explicit retention config.
func (c *Coordinator) RegisterWithConfig(domainID string, initial state.State, cfg state.Config) (*state.Store, error) {
	if domainID == "" {
		return nil, ErrEmptyDomainID
	}

	c.mu.Lock()
	if _, ok := c.domains[domainID]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("register %s: %w", domainID, ErrDomainExists)
	}
	d := &domain{id: domainID, store: state.New(initial, cfg, state.WithClock(c.clock))}
	d.unsubscribe = d.store.Subscribe(func(ch state.Change) { c.onChange(d, ch) })
	c.domains[domainID] = d
	c.mu.Unlock()

	seed := d.store.History()[0]
	c.saveEntry(domainID, seed)
	c.appendRecord(domainID, ActionDomainRegistered, map[string]any{
		"maxHistory":   cfg.MaxHistory,
		"autoSnapshot": cfg.AutoSnapshot,
	})
	c.logger.Info("domain registered", zap.String("domain", domainID))
	return d.store, nil
}

// Store returns the store registered under domainID.
func (c *Coordinator) Store(domainID string) (*state.Store, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.domains[domainID]
	if !ok {
		return nil, fmt.Errorf("store %s: %w", domainID, ErrDomainNotFound)
	}
	return d.store, nil
}

// Unregister detaches domainID from the coordinator. The store stays usable
// but its changes are no longer observed.
func (c *Coordinator) Unregister(domainID string) error {
	c.mu.Lock()
	d, ok := c.domains[domainID]
	if ok {
		delete(c.domains, domainID)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unregister %s: %w", domainID, ErrDomainNotFound)
	}
	d.unsubscribe()
	return nil
}

// Domains lists registered domain ids in lexical order.
func (c *Coordinator) Domains() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.domains))
	for id := range c.domains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// #endregion register

// #region change-handler
func (c *Coordinator) onChange(d *domain, ch state.Change) {
	if ch.Kind == state.ChangeSnapshot {
		meta := map[string]any{"name": ch.SnapshotName}
		c.appendRecord(d.id, ActionSnapshotCreated, meta)
		c.bus.publish(Event{Type: EventSnapshotCreated, StateID: d.id, Timestamp: c.clock(), Metadata: meta})
		return
	}

	d.changes++
	stateChanges.WithLabelValues(string(ch.Kind)).Inc()
	c.saveEntry(d.id, ch.Entry)
	c.appendRecord(d.id, ActionStateUpdated, map[string]any{
		"kind":          string(ch.Kind),
		"origin":        string(ch.Entry.Origin),
		"entryId":       ch.Entry.ID,
		"historyLength": ch.HistoryLen,
	})

	c.engine.RecordSourceTransition(d.id, ch.Previous, ch.Current, transitionAction(ch))

	evType := EventStateUpdate
	if ch.Kind == state.ChangeRevert || ch.Kind == state.ChangeLoad {
		evType = EventStateReverted
	}
	meta := map[string]any{
		"kind":          string(ch.Kind),
		"origin":        string(ch.Entry.Origin),
		"historyLength": ch.HistoryLen,
	}
	if ch.SnapshotName != "" {
		meta["snapshot"] = ch.SnapshotName
	}
	c.bus.publish(Event{Type: evType, StateID: d.id, Timestamp: ch.Entry.Timestamp, Metadata: meta})

	c.checkAnomalies(d.id)

	ok, err := c.policy.ShouldRegenerate(PolicyInput{
		DomainID:   d.id,
		Changes:    d.changes,
		HistoryLen: ch.HistoryLen,
	})
	if err != nil {
		c.logger.Warn("regeneration policy failed", zap.String("domain", d.id), zap.Error(err))
		return
	}
	if ok {
		c.scheduleRegeneration(d.id, ch.Current)
	}
}

// transitionAction labels a change for pattern mining: updates carry their
// sorted changed keys, e.g. "update:draft,status".
func transitionAction(ch state.Change) string {
	switch ch.Kind {
	case state.ChangeUpdate:
		if len(ch.Partial) == 0 {
			return "update"
		}
		keys := make([]string, 0, len(ch.Partial))
		for k := range ch.Partial {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return "update:" + strings.Join(keys, ",")
	default:
		return string(ch.Kind)
	}
}

// checkAnomalies publishes anomaly_detected once per analysis pass and
// affected domain. The engine is shared, so the pass may be triggered by one
// domain while the slow transitions belong to another; trigger records the
// former.
func (c *Coordinator) checkAnomalies(triggerID string) {
	a := c.engine.LastAnalysis()

	c.amu.Lock()
	fresh := a.Seq > c.lastAnalysis
	if fresh {
		c.lastAnalysis = a.Seq
	}
	c.amu.Unlock()

	if !fresh || len(a.Anomalies) == 0 {
		return
	}
	anomaliesDetected.Add(float64(len(a.Anomalies)))

	byDomain := make(map[string][]string)
	for _, an := range a.Anomalies {
		id := an.Transition.Source
		if id == "" {
			id = triggerID
		}
		byDomain[id] = append(byDomain[id], an.Transition.Action)
	}
	ids := make([]string, 0, len(byDomain))
	for id := range byDomain {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		actions := byDomain[id]
		c.bus.publish(Event{
			Type:      EventAnomalyDetected,
			StateID:   id,
			Timestamp: a.At,
			Metadata: map[string]any{
				"count":   len(actions),
				"actions": actions,
				"pass":    a.Seq,
				"trigger": triggerID,
			},
		})
	}
}

// #endregion change-handler

// #region regenerate
func (c *Coordinator) scheduleRegeneration(domainID string, current state.State) {
	c.logger.Debug("regeneration scheduled", zap.String("domain", domainID))
	c.regen.Go(func() error {
		// Failures are recorded in the log; nothing to propagate to Wait.
		_, _ = c.RegenerateCode(context.Background(), domainID, current)
		return nil
	})
}

// RegenerateCode synthesizes type definitions from current and renders the
// "<domainID>View" template with it. Synthesis failures are logged and
// recorded as code_regeneration_failed and yield (nil, nil); only an unknown
// domain is an error.
func (c *Coordinator) RegenerateCode(ctx context.Context, domainID string, current state.State) (*Artifacts, error) {
	if _, err := c.Store(domainID); err != nil {
		return nil, err
	}

	data := map[string]any(current.Clone())
	if data == nil {
		data = map[string]any{}
	}
	types := c.synth.GenerateTypesFromState(data, synth.ExportedName(domainID)+"State")
	templateName := domainID + "View"

	code, err := c.synth.GenerateCode(ctx, templateName, data)
	if err != nil {
		regenerations.WithLabelValues("failed").Inc()
		c.logger.Warn("code regeneration failed",
			zap.String("domain", domainID),
			zap.String("template", templateName),
			zap.Error(err),
		)
		c.appendRecord(domainID, ActionRegenerationFailed, map[string]any{
			"template": templateName,
			"error":    err.Error(),
		})
		return nil, nil
	}

	art := &Artifacts{
		DomainID:    domainID,
		Template:    templateName,
		Code:        code,
		Types:       types,
		GeneratedAt: c.clock(),
	}
	regenerations.WithLabelValues("generated").Inc()
	c.appendRecord(domainID, ActionCodeGenerated, map[string]any{
		"template":  templateName,
		"codeBytes": len(code),
	})
	c.bus.publish(Event{
		Type:      EventCodeGenerated,
		StateID:   domainID,
		Timestamp: art.GeneratedAt,
		Metadata: map[string]any{
			"template": templateName,
			"code":     code,
			"types":    types,
		},
	})
	return art, nil
}

// Wait blocks until every scheduled regeneration has finished.
func (c *Coordinator) Wait() error {
	return c.regen.Wait()
}

// #endregion regenerate

// #region subscribe-and-query
// Subscribe registers fn for all events. Events for one domain are delivered
// in causal order.
func (c *Coordinator) Subscribe(fn func(Event)) (unsubscribe func()) {
	return c.bus.subscribe(fn)
}

// History returns log records matching f, oldest first.
func (c *Coordinator) History(f Filter) []Record {
	return c.log.query(f)
}

// Engine returns the shared analysis engine.
func (c *Coordinator) Engine() *analysis.Engine {
	return c.engine
}

// Synthesizer returns the synthesizer used for regeneration.
func (c *Coordinator) Synthesizer() *synth.Synthesizer {
	return c.synth
}

// #endregion subscribe-and-query

// #region archive
func (c *Coordinator) appendRecord(domainID, action string, meta map[string]any) Record {
	rec := c.log.append(Record{
		Timestamp: c.clock(),
		DomainID:  domainID,
		Action:    action,
		Metadata:  meta,
	})
	if c.archive != nil {
		if err := c.archive.AppendRecord(context.Background(), rec); err != nil {
			c.logger.Warn("archive record failed",
				zap.String("domain", domainID),
				zap.String("action", action),
				zap.Error(err),
			)
		}
	}
	return rec
}

func (c *Coordinator) saveEntry(domainID string, entry state.StateSnapshot) {
	if c.archive == nil {
		return
	}
	if err := c.archive.SaveEntry(context.Background(), domainID, entry); err != nil {
		c.logger.Warn("archive entry failed",
			zap.String("domain", domainID),
			zap.String("entry", entry.ID),
			zap.Error(err),
		)
	}
}

// #endregion archive

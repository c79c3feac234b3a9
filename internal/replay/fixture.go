package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/danielpatrickdp/adaptive-state/evolution/internal/state"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description string            `json:"description"`
	Start       time.Time         `json:"start"`
	Store       *FixtureStore     `json:"store,omitempty"`
	Policy      FixturePolicy     `json:"policy"`
	Domains     []FixtureDomain   `json:"domains"`
	Templates   []FixtureTemplate `json:"templates"`
	Steps       []FixtureStep     `json:"steps"`
	Expected    FixtureExpected   `json:"expected"`
}

// FixtureStore mirrors state.Config with JSON tags. When a fixture omits it
// the run uses Options.Store.
type FixtureStore struct {
	MaxHistory   int  `json:"max_history"`
	AutoSnapshot bool `json:"auto_snapshot"`
}

// FixturePolicy selects the regeneration policy. Expression wins over Every;
// both zero defers to Options.Policy, then to the every-10 default.
type FixturePolicy struct {
	Every      int    `json:"every"`
	Expression string `json:"expression"`
}

// FixtureDomain registers one domain before the steps run.
type FixtureDomain struct {
	ID      string         `json:"id"`
	Initial map[string]any `json:"initial"`
}

// FixtureTemplate is a text/template source registered under Name.
type FixtureTemplate struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

// Step operations.
const (
	OpUpdate   = "update"
	OpSnapshot = "snapshot"
	OpLoad     = "load"
	OpRevert   = "revert"
	OpAdvance  = "advance"
)

// FixtureStep is one scripted action. AdvanceMS moves the clock before the
// action runs. TargetStep names the earlier step whose history entry a revert
// targets.
type FixtureStep struct {
	Op         string         `json:"op"`
	Domain     string         `json:"domain"`
	Partial    map[string]any `json:"partial"`
	Origin     string         `json:"origin"`
	Name       string         `json:"name"`
	TargetStep int            `json:"target_step"`
	AdvanceMS  int64          `json:"advance_ms"`
}

// FixtureExpected lists counts the run must produce. Omitted keys are not
// checked.
type FixtureExpected struct {
	Events         map[string]int `json:"events"`
	Records        map[string]int `json:"records"`
	HistoryLengths map[string]int `json:"history_lengths"`
	Transitions    int            `json:"transitions"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	return &f, nil
}

// Validate checks step operations and revert targets.
func (f *Fixture) Validate() error {
	for i, st := range f.Steps {
		switch st.Op {
		case OpUpdate, OpSnapshot, OpLoad, OpAdvance:
		case OpRevert:
			if st.TargetStep < 0 || st.TargetStep >= i {
				return fmt.Errorf("step %d: revert target %d is not an earlier step", i, st.TargetStep)
			}
		default:
			return fmt.Errorf("step %d: unknown op %q", i, st.Op)
		}
		if st.Op != OpAdvance && st.Domain == "" {
			return fmt.Errorf("step %d: %s needs a domain", i, st.Op)
		}
	}
	return nil
}

// ToStoreConfig converts the fixture store block to a state.Config.
func (s FixtureStore) ToStoreConfig() state.Config {
	return state.Config{MaxHistory: s.MaxHistory, AutoSnapshot: s.AutoSnapshot}
}

// #endregion fixture-loader

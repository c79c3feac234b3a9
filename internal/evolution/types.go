package evolution

import (
	"context"
	"errors"
	"time"

	"github.com/danielpatrickdp/adaptive-state/evolution/internal/state"
)

// #region errors
var (
	// ErrDomainNotFound is returned for operations on an unregistered domain.
	ErrDomainNotFound = errors.New("domain not found")
	// ErrDomainExists is returned when a domain id is registered twice.
	ErrDomainExists = errors.New("domain already registered")
	// ErrEmptyDomainID is returned when registering an empty domain id.
	ErrEmptyDomainID = errors.New("domain id must not be empty")
)

// #endregion errors

// #region events
// EventType classifies bus events.
type EventType string

const (
	EventStateUpdate     EventType = "state_update"
	EventCodeGenerated   EventType = "code_generated"
	EventSnapshotCreated EventType = "snapshot_created"
	EventStateReverted   EventType = "state_reverted"
	EventAnomalyDetected EventType = "anomaly_detected"
)

// Event is broadcast to subscribers. Events are never persisted.
type Event struct {
	Type      EventType
	StateID   string
	Timestamp time.Time
	Metadata  map[string]any
}

// #endregion events

// #region records
// Evolution-log actions.
const (
	ActionDomainRegistered   = "domain_registered"
	ActionStateUpdated       = "state_updated"
	ActionSnapshotCreated    = "snapshot_created"
	ActionCodeGenerated      = "code_generated"
	ActionRegenerationFailed = "code_regeneration_failed"
)

// Record is one entry of the coordinator's evolution log.
type Record struct {
	ID        string
	Timestamp time.Time
	DomainID  string
	Action    string
	Metadata  map[string]any
}

// Filter selects log records. Zero fields do not filter; Since and Until are
// inclusive.
type Filter struct {
	Since     time.Time
	Until     time.Time
	Actions   []string
	DomainIDs []string
}

// Artifacts is the output of one successful regeneration.
type Artifacts struct {
	DomainID    string
	Template    string
	Code        string
	Types       string
	GeneratedAt time.Time
}

// #endregion records

// #region archive
// Archive receives a durable copy of log records and history entries.
type Archive interface {
	AppendRecord(ctx context.Context, rec Record) error
	SaveEntry(ctx context.Context, domainID string, entry state.StateSnapshot) error
}

// #endregion archive

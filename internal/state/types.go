package state

import "time"

// #region state
// State is a structured, JSON-serializable value tracked for one domain.
// Values handed to or returned from a Store are deep copies.
type State map[string]any

// Origin tags who caused a history entry.
type Origin string

const (
	OriginUser       Origin = "user"
	OriginSystem     Origin = "system"
	OriginAI         Origin = "ai"
	OriginSync       Origin = "sync"
	OriginBlockchain Origin = "blockchain"
)

// Valid reports whether o is one of the known origins.
func (o Origin) Valid() bool {
	switch o {
	case OriginUser, OriginSystem, OriginAI, OriginSync, OriginBlockchain:
		return true
	}
	return false
}

// #endregion state

// #region snapshot
// StateSnapshot is one immutable history entry.
type StateSnapshot struct {
	ID        string
	Timestamp time.Time
	State     State
	Origin    Origin
	Metadata  map[string]any
}

// TimeSeries is a point-in-time copy of a store's contents.
type TimeSeries struct {
	Current   State
	History   []StateSnapshot
	Snapshots map[string]State
}

// #endregion snapshot

// #region config
// Config holds per-store retention settings.
type Config struct {
	MaxHistory   int  // 0 = unbounded
	AutoSnapshot bool // named snapshot whenever history length is a multiple of AutoSnapshotEvery
}

// AutoSnapshotEvery is the history-length interval for automatic snapshots.
const AutoSnapshotEvery = 10

// Clock returns the current time. Stores call it once per appended entry.
type Clock func() time.Time

// #endregion config

// #region change
// ChangeKind identifies which mutation produced a Change.
type ChangeKind string

const (
	ChangeUpdate   ChangeKind = "update"
	ChangeRevert   ChangeKind = "revert"
	ChangeLoad     ChangeKind = "load"
	ChangeSnapshot ChangeKind = "snapshot"
)

// AppendsHistory reports whether changes of this kind add a history entry.
func (k ChangeKind) AppendsHistory() bool {
	return k != ChangeSnapshot
}

// Change describes one completed mutation. Entry is zero for ChangeSnapshot.
type Change struct {
	Kind         ChangeKind
	Previous     State
	Current      State
	Entry        StateSnapshot
	Partial      State  // only for ChangeUpdate
	SnapshotName string // ChangeLoad and ChangeSnapshot
	HistoryLen   int
}

// #endregion change

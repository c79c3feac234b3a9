package evolution

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// #region history-log
// historyLog is the in-memory evolution log. A positive limit keeps only the
// most recent records.
type historyLog struct {
	mu      sync.RWMutex
	limit   int
	records []Record
}

func (l *historyLog) append(rec Record) Record {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	l.mu.Lock()
	l.records = append(l.records, rec)
	if l.limit > 0 && len(l.records) > l.limit {
		drop := len(l.records) - l.limit
		clear(l.records[:drop])
		l.records = l.records[drop:]
	}
	l.mu.Unlock()
	return rec
}

func (l *historyLog) query(f Filter) []Record {
	actions := toSet(f.Actions)
	domains := toSet(f.DomainIDs)

	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Record
	for _, rec := range l.records {
		if !inRange(rec.Timestamp, f.Since, f.Until) {
			continue
		}
		if actions != nil && !actions[rec.Action] {
			continue
		}
		if domains != nil && !domains[rec.DomainID] {
			continue
		}
		rec.Metadata = copyMeta(rec.Metadata)
		out = append(out, rec)
	}
	return out
}

// #endregion history-log

// #region helpers
func inRange(ts, since, until time.Time) bool {
	if !since.IsZero() && ts.Before(since) {
		return false
	}
	if !until.IsZero() && ts.After(until) {
		return false
	}
	return true
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}

func copyMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// #endregion helpers

package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/adaptive-state/evolution/internal/evolution"
	"github.com/danielpatrickdp/adaptive-state/evolution/internal/state"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS evolution_log (
	record_id     TEXT PRIMARY KEY,
	domain_id     TEXT NOT NULL,
	action        TEXT NOT NULL,
	metadata_json TEXT,
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evolution_log_domain ON evolution_log(domain_id, created_at);

CREATE TABLE IF NOT EXISTS state_history (
	entry_id      TEXT PRIMARY KEY,
	domain_id     TEXT NOT NULL,
	origin        TEXT NOT NULL,
	state_blob    BLOB NOT NULL,
	metadata_json TEXT,
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_state_history_domain ON state_history(domain_id, created_at);
`

// #endregion schema

// tsLayout is fixed-width so lexical order matches time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// #region archive-struct
// Archive persists evolution-log records and store history entries in
// SQLite. It implements evolution.Archive.
type Archive struct {
	db *sql.DB
}

var _ evolution.Archive = (*Archive)(nil)

// #endregion archive-struct

// #region constructor
// Open opens (or creates) the archive database at path and runs migrations.
// Writers from the change handler and background regeneration share one
// connection, and busy_timeout covers other processes holding the file.
func Open(path string) (*Archive, error) {
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close closes the underlying database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

// DB returns the underlying *sql.DB.
func (a *Archive) DB() *sql.DB {
	return a.db
}

// #endregion constructor

// #region append-record
// AppendRecord writes one evolution-log record.
func (a *Archive) AppendRecord(ctx context.Context, rec evolution.Record) error {
	meta, err := marshalMeta(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal record metadata: %w", err)
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO evolution_log (record_id, domain_id, action, metadata_json, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.DomainID, rec.Action, meta, rec.Timestamp.UTC().Format(tsLayout),
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// #endregion append-record

// #region save-entry
// SaveEntry writes one history entry of domainID. The state is stored as a
// serialized google.protobuf.Struct.
func (a *Archive) SaveEntry(ctx context.Context, domainID string, entry state.StateSnapshot) error {
	blob, err := encodeState(entry.State)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	meta, err := marshalMeta(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal entry metadata: %w", err)
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO state_history (entry_id, domain_id, origin, state_blob, metadata_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, domainID, string(entry.Origin), blob, meta, entry.Timestamp.UTC().Format(tsLayout),
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// #endregion save-entry

// #region queries
// Query selects evolution-log records. Zero fields do not filter.
type Query struct {
	DomainID string
	Action   string
	Limit    int
}

// ListRecords returns matching records, most recent first.
func (a *Archive) ListRecords(ctx context.Context, q Query) ([]evolution.Record, error) {
	stmt := `SELECT record_id, domain_id, action, metadata_json, created_at FROM evolution_log WHERE 1=1`
	var args []any
	if q.DomainID != "" {
		stmt += ` AND domain_id = ?`
		args = append(args, q.DomainID)
	}
	if q.Action != "" {
		stmt += ` AND action = ?`
		args = append(args, q.Action)
	}
	stmt += ` ORDER BY created_at DESC, rowid DESC`
	if q.Limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := a.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []evolution.Record
	for rows.Next() {
		var rec evolution.Record
		var meta sql.NullString
		var createdStr string
		if err := rows.Scan(&rec.ID, &rec.DomainID, &rec.Action, &meta, &createdStr); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Timestamp, _ = time.Parse(tsLayout, createdStr)
		if rec.Metadata, err = unmarshalMeta(meta); err != nil {
			return nil, fmt.Errorf("record %s metadata: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListEntries returns history entries of domainID, most recent first. Numbers
// in decoded states are float64.
func (a *Archive) ListEntries(ctx context.Context, domainID string, limit int) ([]state.StateSnapshot, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT entry_id, origin, state_blob, metadata_json, created_at
		 FROM state_history WHERE domain_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		domainID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []state.StateSnapshot
	for rows.Next() {
		var e state.StateSnapshot
		var origin string
		var blob []byte
		var meta sql.NullString
		var createdStr string
		if err := rows.Scan(&e.ID, &origin, &blob, &meta, &createdStr); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Origin = state.Origin(origin)
		e.Timestamp, _ = time.Parse(tsLayout, createdStr)
		if e.State, err = decodeState(blob); err != nil {
			return nil, fmt.Errorf("entry %s state: %w", e.ID, err)
		}
		if e.Metadata, err = unmarshalMeta(meta); err != nil {
			return nil, fmt.Errorf("entry %s metadata: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Domains lists every domain id seen in either table.
func (a *Archive) Domains(ctx context.Context) ([]string, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT domain_id FROM evolution_log UNION SELECT domain_id FROM state_history ORDER BY 1`,
	)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// #endregion queries

// #region encoding
// encodeState converts st to a protobuf Struct via its JSON form so any
// JSON-serializable value is accepted.
func encodeState(st state.State) ([]byte, error) {
	if st == nil {
		st = state.State{}
	}
	js, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	var pb structpb.Struct
	if err := protojson.Unmarshal(js, &pb); err != nil {
		return nil, err
	}
	return proto.Marshal(&pb)
}

func decodeState(b []byte) (state.State, error) {
	var pb structpb.Struct
	if err := proto.Unmarshal(b, &pb); err != nil {
		return nil, err
	}
	return state.State(pb.AsMap()), nil
}

func marshalMeta(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalMeta(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// #endregion encoding

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-state/evolution/internal/archive"
)

// #region inspect-cmd
var (
	inspectDB      string
	inspectDomain  string
	inspectAction  string
	inspectLast    int
	inspectEntries bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Read evolution records and history entries from an archive",
	Long: `Lists the evolution log of a SQLite archive, most recent first. With
--entries and --domain it lists archived history entries of that domain
instead.`,
	Args: cobra.NoArgs,
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().StringVar(&inspectDB, "db", "", "path to archive (defaults to archive.path from config)")
	inspectCmd.Flags().StringVar(&inspectDomain, "domain", "", "filter to one domain")
	inspectCmd.Flags().StringVar(&inspectAction, "action", "", "filter records to one action")
	inspectCmd.Flags().IntVar(&inspectLast, "last", 20, "show N most recent rows (0 for all)")
	inspectCmd.Flags().BoolVar(&inspectEntries, "entries", false, "list history entries instead of records (needs --domain)")
}

// #endregion inspect-cmd

// #region run
func runInspect(cmd *cobra.Command, args []string) error {
	path := inspectDB
	if path == "" {
		path = cfg.Archive.Path
	}
	if path == "" {
		return errors.New("no archive: pass --db or set archive.path")
	}
	if inspectEntries && inspectDomain == "" {
		return errors.New("--entries needs --domain")
	}

	a, err := archive.Open(path)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	if inspectEntries {
		entries, err := a.ListEntries(ctx, inspectDomain, inspectLast)
		if err != nil {
			return err
		}
		rows := make([]entryRow, len(entries))
		for i, e := range entries {
			rows[i] = entryRow{
				ID:        e.ID,
				Origin:    string(e.Origin),
				CreatedAt: e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
				Keys:      sortedKeys(e.State),
				State:     e.State,
				Metadata:  e.Metadata,
			}
		}
		if jsonOut {
			return printJSON(rows)
		}
		printEntryTable(rows)
		return nil
	}

	records, err := a.ListRecords(ctx, archive.Query{DomainID: inspectDomain, Action: inspectAction, Limit: inspectLast})
	if err != nil {
		return err
	}
	domains, err := a.Domains(ctx)
	if err != nil {
		return err
	}
	rows := make([]recordRow, len(records))
	for i, r := range records {
		rows[i] = recordRow{
			ID:        r.ID,
			Domain:    r.DomainID,
			Action:    r.Action,
			CreatedAt: r.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
			Metadata:  r.Metadata,
		}
	}
	if jsonOut {
		return printJSON(struct {
			Domains []string    `json:"domains"`
			Records []recordRow `json:"records"`
		}{domains, rows})
	}
	fmt.Printf("domains: %s\n\n", strings.Join(domains, ", "))
	printRecordTable(rows)
	return nil
}

// #endregion run

// #region output
type recordRow struct {
	ID        string         `json:"record_id"`
	Domain    string         `json:"domain_id"`
	Action    string         `json:"action"`
	CreatedAt string         `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type entryRow struct {
	ID        string         `json:"entry_id"`
	Origin    string         `json:"origin"`
	CreatedAt string         `json:"created_at"`
	Keys      []string       `json:"-"`
	State     map[string]any `json:"state"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func printRecordTable(rows []recordRow) {
	if len(rows) == 0 {
		fmt.Fprintln(os.Stderr, "no records found")
		return
	}
	fmt.Printf("%-29s  %-16s  %-26s  %s\n", "Time", "Domain", "Action", "Metadata")
	fmt.Printf("%-29s+-%-16s+-%-26s+-%s\n",
		"-----------------------------", "----------------", "--------------------------", "--------")
	for _, r := range rows {
		fmt.Printf("%-29s  %-16s  %-26s  %s\n", r.CreatedAt, r.Domain, r.Action, compactJSON(r.Metadata))
	}
}

func printEntryTable(rows []entryRow) {
	if len(rows) == 0 {
		fmt.Fprintln(os.Stderr, "no entries found")
		return
	}
	fmt.Printf("%-29s  %-10s  %-36s  %s\n", "Time", "Origin", "Entry", "Keys")
	fmt.Printf("%-29s+-%-10s+-%-36s+-%s\n",
		"-----------------------------", "----------", "------------------------------------", "----")
	for _, r := range rows {
		fmt.Printf("%-29s  %-10s  %-36s  %s\n", r.CreatedAt, r.Origin, r.ID, strings.Join(r.Keys, ","))
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func compactJSON(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "?"
	}
	return string(b)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// #endregion output

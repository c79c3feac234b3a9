package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-state/evolution/internal/analysis"
	"github.com/danielpatrickdp/adaptive-state/evolution/internal/replay"
)

// #region replay-cmd
var fixturePath string

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run a fixture session through a fresh coordinator",
	Long: `Runs every step of a JSON fixture against a new coordinator with a
scripted clock, prints event counts, history lengths and analysis insights,
and fails when the fixture's expected counts are not met.`,
	Args: cobra.NoArgs,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&fixturePath, "fixture", "", "path to fixture JSON")
	_ = replayCmd.MarkFlagRequired("fixture")
}

// #endregion replay-cmd

// #region run
func runReplay(cmd *cobra.Command, args []string) error {
	f, err := replay.LoadFixture(fixturePath)
	if err != nil {
		return err
	}

	formatter, closer, err := buildFormatter(cfg.Formatter)
	if err != nil {
		return err
	}
	defer closer.Close()

	opts, err := replayOptions(cfg)
	if err != nil {
		return err
	}
	opts.Logger = logger
	opts.Formatter = formatter
	arch, err := openArchive(cfg.Archive.Path)
	if err != nil {
		return err
	}
	if arch != nil {
		defer arch.Close()
		opts.Archive = arch
	}

	result, err := replay.Replay(f, opts)
	if err != nil {
		return fmt.Errorf("replay %s: %w", fixturePath, err)
	}
	mismatches := replay.Check(f.Expected, result)
	logger.Debug("replay finished",
		zap.String("fixture", fixturePath),
		zap.Int("steps", len(result.Steps)),
		zap.Int("mismatches", len(mismatches)),
	)

	if jsonOut {
		err = printReplayJSON(f, result, mismatches)
	} else {
		printReplayText(f, result, mismatches)
	}
	if err != nil {
		return err
	}
	if len(mismatches) > 0 {
		return fmt.Errorf("%d expectation(s) not met", len(mismatches))
	}
	return nil
}

// #endregion run

// #region output
type replaySummary struct {
	Description    string                `json:"description"`
	Steps          int                   `json:"steps"`
	Events         map[string]int        `json:"events"`
	Records        map[string]int        `json:"records"`
	HistoryLengths map[string]int        `json:"history_lengths"`
	Transitions    int                   `json:"transitions"`
	AverageMS      float64               `json:"average_transition_ms"`
	Patterns       []analysis.Pattern    `json:"patterns"`
	Suggestions    []analysis.Suggestion `json:"suggestions"`
	Anomalies      int                   `json:"anomalies"`
	Mismatches     []string              `json:"mismatches"`
}

func printReplayJSON(f *replay.Fixture, r *replay.ReplayResult, mismatches []replay.Mismatch) error {
	s := replaySummary{
		Description:    f.Description,
		Steps:          len(r.Steps),
		Events:         r.EventCounts,
		Records:        r.RecordCounts,
		HistoryLengths: r.HistoryLengths,
		Transitions:    r.Insights.TransitionCount,
		AverageMS:      float64(r.Insights.AverageTransitionTime.Microseconds()) / 1000,
		Patterns:       r.Insights.FrequentPatterns,
		Suggestions:    r.Insights.OptimizationSuggestions,
		Anomalies:      len(r.Insights.Anomalies),
		Mismatches:     make([]string, 0, len(mismatches)),
	}
	for _, m := range mismatches {
		s.Mismatches = append(s.Mismatches, m.String())
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func printReplayText(f *replay.Fixture, r *replay.ReplayResult, mismatches []replay.Mismatch) {
	if f.Description != "" {
		fmt.Println(f.Description)
		fmt.Println()
	}
	fmt.Printf("steps: %d\n", len(r.Steps))
	printCounts("events", r.EventCounts)
	printCounts("records", r.RecordCounts)
	printCounts("history", r.HistoryLengths)

	in := r.Insights
	fmt.Printf("\ntransitions: %d  avg: %s  anomalies: %d\n",
		in.TransitionCount, in.AverageTransitionTime, len(in.Anomalies))
	for _, p := range in.FrequentPatterns {
		fmt.Printf("  pattern %-40s x%-3d %.0f%%\n", strings.Join(p.Sequence, " -> "), p.Occurrences, p.Confidence*100)
	}
	for _, s := range in.OptimizationSuggestions {
		fmt.Printf("  [%s] %s: %s\n", s.Priority, s.Type, s.Description)
	}

	if len(mismatches) == 0 {
		fmt.Println("\nall expectations met")
		return
	}
	fmt.Println()
	for _, m := range mismatches {
		fmt.Printf("MISMATCH %s\n", m)
	}
}

func printCounts(label string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("%s:\n", label)
	for _, k := range keys {
		fmt.Printf("  %-28s %d\n", k, counts[k])
	}
}

// #endregion output

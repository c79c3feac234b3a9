package main

import (
	"fmt"
	"io"

	"github.com/danielpatrickdp/adaptive-state/evolution/internal/archive"
	"github.com/danielpatrickdp/adaptive-state/evolution/internal/codec"
	"github.com/danielpatrickdp/adaptive-state/evolution/internal/config"
	"github.com/danielpatrickdp/adaptive-state/evolution/internal/replay"
	"github.com/danielpatrickdp/adaptive-state/evolution/internal/synth"
)

// nopCloser closes nothing.
type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// buildFormatter returns the formatter selected by the config and a closer
// for any connection it opened. Mode none yields a nil formatter.
func buildFormatter(fc config.FormatterConfig) (synth.Formatter, io.Closer, error) {
	switch fc.Mode {
	case config.FormatterNone:
		return nil, nopCloser{}, nil
	case config.FormatterRemote:
		client, err := codec.NewFormatterClient(fc.Addr, fc.Timeout)
		if err != nil {
			return nil, nil, fmt.Errorf("formatter client: %w", err)
		}
		return client, client, nil
	default:
		return synth.SourceFormatter{}, nopCloser{}, nil
	}
}

// openArchive opens the configured archive, or returns nil when none is set.
func openArchive(path string) (*archive.Archive, error) {
	if path == "" {
		return nil, nil
	}
	a, err := archive.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	return a, nil
}

// replayOptions carries the store, analysis and regeneration config into a
// replay. Fixtures that set their own store or policy blocks still win.
func replayOptions(c config.Config) (replay.Options, error) {
	policy, err := c.Policy()
	if err != nil {
		return replay.Options{}, fmt.Errorf("regeneration policy: %w", err)
	}
	return replay.Options{
		Store:    c.StoreConfig(),
		Analysis: c.AnalysisConfig(),
		Policy:   policy,
	}, nil
}

package synth

import (
	"context"
	"fmt"

	"golang.org/x/tools/imports"
)

// #region formatter
// Formatter is a best-effort pretty-printer applied to rendered templates.
type Formatter interface {
	Format(ctx context.Context, src string) (string, error)
}

// FormatterFunc adapts a function to a Formatter.
type FormatterFunc func(ctx context.Context, src string) (string, error)

// Format calls f.
func (f FormatterFunc) Format(ctx context.Context, src string) (string, error) {
	return f(ctx, src)
}

// #endregion formatter

// #region source-formatter
// SourceFormatter formats Go source with gofmt rules and normalizes import
// grouping. It never resolves missing imports.
type SourceFormatter struct {
	Filename string // used in error positions; defaults to "view.go"
}

// Format implements Formatter.
func (f SourceFormatter) Format(ctx context.Context, src string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := f.Filename
	if name == "" {
		name = "view.go"
	}
	out, err := imports.Process(name, []byte(src), &imports.Options{
		Comments:   true,
		TabIndent:  true,
		TabWidth:   8,
		FormatOnly: true,
	})
	if err != nil {
		return "", fmt.Errorf("format %s: %w", name, err)
	}
	return string(out), nil
}

// #endregion source-formatter

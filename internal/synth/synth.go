package synth

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// #region synthesizer
// Synthesizer holds registered templates and renders them, optionally
// through a formatter. Formatting is cosmetic: failures are logged and the
// raw text is returned.
type Synthesizer struct {
	mu        sync.RWMutex
	templates map[string]Template
	formatter Formatter
	logger    *zap.Logger
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithFormatter sets the formatter. nil disables formatting.
func WithFormatter(f Formatter) Option {
	return func(s *Synthesizer) { s.formatter = f }
}

// WithLogger sets the logger used for formatter warnings.
func WithLogger(l *zap.Logger) Option {
	return func(s *Synthesizer) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Synthesizer with no templates and no formatter.
func New(opts ...Option) *Synthesizer {
	s := &Synthesizer{
		templates: make(map[string]Template),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// #endregion synthesizer

// #region registry
// Register adds t, silently replacing any template with the same name.
func (s *Synthesizer) Register(t Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.Name()] = t
}

// Lookup returns the template registered under name.
func (s *Synthesizer) Lookup(name string) (Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[name]
	return t, ok
}

// Templates lists registered template names in lexical order.
func (s *Synthesizer) Templates() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.templates))
	for name := range s.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// #endregion registry

// #region generate
// GenerateCode renders the named template with data. An unknown name yields
// *TemplateNotFoundError; render errors are returned wrapped.
func (s *Synthesizer) GenerateCode(ctx context.Context, name string, data any) (string, error) {
	t, ok := s.Lookup(name)
	if !ok {
		return "", &TemplateNotFoundError{Name: name}
	}
	raw, err := t.Render(data)
	if err != nil {
		return "", fmt.Errorf("generate %s: %w", name, err)
	}

	s.mu.RLock()
	f := s.formatter
	s.mu.RUnlock()
	if f == nil {
		return raw, nil
	}
	formatted, err := f.Format(ctx, raw)
	if err != nil {
		s.logger.Warn("format generated code, using raw output",
			zap.String("template", name),
			zap.Error(err),
		)
		return raw, nil
	}
	return formatted, nil
}

// GenerateTypesFromState infers Go type declarations from value; see the
// package-level function of the same name.
func (s *Synthesizer) GenerateTypesFromState(value any, rootName string) string {
	return GenerateTypesFromState(value, rootName)
}

// #endregion generate

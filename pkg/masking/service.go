// Package masking scrubs credential-shaped substrings out of event payloads
// before they are persisted or fanned out.
package masking

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
)

// Config selects which patterns apply.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// PatternGroup names a builtin group (basic, secrets, cloud, all).
	// Empty selects "secrets".
	PatternGroup string `yaml:"pattern_group"`
	// CustomPatterns extend the selected group.
	CustomPatterns []Pattern `yaml:"custom_patterns"`
}

// Service applies data masking to event text and tool output. Created once
// at startup; thread-safe and stateless aside from compiled patterns.
type Service struct {
	cfg      Config
	patterns []*CompiledPattern // in deterministic apply order
}

// NewService compiles the selected pattern group plus any custom patterns.
// Invalid patterns are logged and skipped.
func NewService(cfg Config) *Service {
	s := &Service{cfg: cfg}
	if !cfg.Enabled {
		return s
	}

	group := cfg.PatternGroup
	if group == "" {
		group = "secrets"
	}
	names, ok := builtinGroups()[group]
	if !ok {
		slog.Error("Unknown masking pattern group, falling back to secrets", "group", group)
		names = builtinGroups()["secrets"]
	}

	builtin := builtinPatterns()
	compiled := make(map[string]*CompiledPattern)
	for _, name := range names {
		p, ok := builtin[name]
		if !ok {
			continue
		}
		s.compileInto(compiled, name, p)
	}
	for i, p := range cfg.CustomPatterns {
		s.compileInto(compiled, fmt.Sprintf("custom:%d", i), p)
	}

	// Map order is random; sort for a stable apply order.
	keys := make([]string, 0, len(compiled))
	for k := range compiled {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.patterns = append(s.patterns, compiled[k])
	}

	slog.Info("Masking service initialized",
		"pattern_group", group,
		"compiled_patterns", len(s.patterns),
		"custom_patterns", len(cfg.CustomPatterns))
	return s
}

func (s *Service) compileInto(dst map[string]*CompiledPattern, name string, p Pattern) {
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		slog.Error("Failed to compile masking pattern, skipping", "pattern", name, "error", err)
		return
	}
	dst[name] = &CompiledPattern{
		Name:        name,
		Regex:       re,
		Replacement: p.Replacement,
		Description: p.Description,
	}
}

// Mask applies every compiled pattern to content.
func (s *Service) Mask(content string) string {
	if !s.cfg.Enabled || content == "" {
		return content
	}
	masked := content
	for _, p := range s.patterns {
		masked = p.Regex.ReplaceAllString(masked, p.Replacement)
	}
	return masked
}

// Redactor bridges the service onto the bus's byte-level hook. A disabled
// service returns nil so the bus skips the call entirely.
func (s *Service) Redactor() func([]byte) []byte {
	if !s.cfg.Enabled {
		return nil
	}
	return func(b []byte) []byte {
		return []byte(s.Mask(string(b)))
	}
}

// PatternCount reports how many patterns compiled; health surfaces expose it.
func (s *Service) PatternCount() int {
	return len(s.patterns)
}

// Package pagesignal decides which page locations count as checkout pages.
package pagesignal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pattern describes one family of checkout URLs.
type Pattern struct {
	Name       string `yaml:"name"`
	URLPattern string `yaml:"url_pattern"`
	// Regex treats URLPattern as a regular expression instead of a
	// case-insensitive substring.
	Regex bool `yaml:"regex,omitempty"`
}

// PatternFile is the top-level YAML document.
type PatternFile struct {
	Patterns []Pattern `yaml:"patterns"`
}

// DefaultPatterns cover the Amazon buy-now and checkout flows.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "amazon-buy-now", URLPattern: `^https://(www\.|smile\.)?amazon\.[a-z.]+/gp/buy/`, Regex: true},
		{Name: "amazon-checkout", URLPattern: `^https://(www\.)?amazon\.[a-z.]+/checkout/`, Regex: true},
		{Name: "amazon-turbo-checkout", URLPattern: "/gp/aw/buy/"},
	}
}

// LoadPatterns reads and validates a pattern file. A missing file yields the
// default patterns.
func LoadPatterns(path string) ([]Pattern, error) {
	if path == "" {
		return DefaultPatterns(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("checkout pattern file not found, using defaults", "path", path)
		return DefaultPatterns(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("pattern config: %w", err)
	}
	return ParsePatterns(data)
}

// ParsePatterns decodes and validates pattern YAML.
func ParsePatterns(data []byte) ([]Pattern, error) {
	var f PatternFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("pattern config: %w", err)
	}
	if len(f.Patterns) == 0 {
		return nil, errors.New("pattern config: no patterns defined")
	}
	for i, p := range f.Patterns {
		if p.Name == "" {
			return nil, fmt.Errorf("pattern config: pattern[%d] missing name", i)
		}
		if strings.TrimSpace(p.URLPattern) == "" {
			return nil, fmt.Errorf("pattern config: pattern[%d] (%s) missing url_pattern", i, p.Name)
		}
		if p.Regex {
			if _, err := regexp.Compile(p.URLPattern); err != nil {
				return nil, fmt.Errorf("pattern config: pattern[%d] (%s): %w", i, p.Name, err)
			}
		}
	}
	return f.Patterns, nil
}

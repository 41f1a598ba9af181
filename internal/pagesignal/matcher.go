package pagesignal

import (
	"fmt"
	"regexp"
	"strings"
)

type compiled struct {
	name   string
	substr string
	re     *regexp.Regexp
}

// Matcher tests locations against checkout patterns and the check page prefix.
// It is immutable and safe for concurrent use.
type Matcher struct {
	patterns  []compiled
	checkPage string
}

// NewMatcher compiles patterns. checkPage is the URL prefix of the page a tab
// may be sent to while its check runs; empty disables that match.
func NewMatcher(patterns []Pattern, checkPage string) (*Matcher, error) {
	m := &Matcher{checkPage: strings.TrimSpace(checkPage)}
	for _, p := range patterns {
		c := compiled{name: p.Name}
		if p.Regex {
			re, err := regexp.Compile(p.URLPattern)
			if err != nil {
				return nil, fmt.Errorf("pattern %s: %w", p.Name, err)
			}
			c.re = re
		} else {
			c.substr = strings.ToLower(p.URLPattern)
		}
		m.patterns = append(m.patterns, c)
	}
	return m, nil
}

// Match returns the name of the first pattern matching location.
func (m *Matcher) Match(location string) (string, bool) {
	lower := strings.ToLower(location)
	for _, p := range m.patterns {
		if p.re != nil && p.re.MatchString(location) {
			return p.name, true
		}
		if p.re == nil && strings.Contains(lower, p.substr) {
			return p.name, true
		}
	}
	return "", false
}

// IsCheckout reports whether location is a checkout page.
func (m *Matcher) IsCheckout(location string) bool {
	_, ok := m.Match(location)
	return ok
}

// IsCheckPage reports whether location is the checking page.
func (m *Matcher) IsCheckPage(location string) bool {
	return m.checkPage != "" && strings.HasPrefix(location, m.checkPage)
}

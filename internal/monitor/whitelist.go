package monitor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// Whitelist holds the registry monitor's exemptions. A pattern containing
// '*' or '?' is a case-insensitive glob over the whole subject; any other
// pattern matches as a case-insensitive substring.
type Whitelist struct {
	substrings []string
	globs      []*regexp.Regexp
}

// LoadWhitelist reads one pattern per line from path. Blank lines and lines
// starting with '#' are ignored. A missing file yields an empty whitelist.
func LoadWhitelist(path string) (*Whitelist, error) {
	if path == "" {
		return &Whitelist{}, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Whitelist{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open whitelist: %w", err)
	}
	defer f.Close()
	return ParseWhitelist(f)
}

// ParseWhitelist reads whitelist patterns from r.
func ParseWhitelist(r io.Reader) (*Whitelist, error) {
	w := &Whitelist{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		w.Add(line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read whitelist: %w", err)
	}
	return w, nil
}

// Add appends one pattern.
func (w *Whitelist) Add(pattern string) {
	if !strings.ContainsAny(pattern, "*?") {
		w.substrings = append(w.substrings, strings.ToLower(pattern))
		return
	}
	expr := regexp.QuoteMeta(pattern)
	expr = strings.ReplaceAll(expr, `\*`, `.*`)
	expr = strings.ReplaceAll(expr, `\?`, `.`)
	w.globs = append(w.globs, regexp.MustCompile(`(?is)^`+expr+`$`))
}

// Len returns the number of patterns.
func (w *Whitelist) Len() int {
	return len(w.substrings) + len(w.globs)
}

// Matches reports whether any non-empty subject matches a pattern.
func (w *Whitelist) Matches(subjects ...string) bool {
	for _, s := range subjects {
		if s == "" {
			continue
		}
		lower := strings.ToLower(s)
		for _, sub := range w.substrings {
			if strings.Contains(lower, sub) {
				return true
			}
		}
		for _, g := range w.globs {
			if g.MatchString(s) {
				return true
			}
		}
	}
	return false
}

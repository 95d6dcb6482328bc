package filtering

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/clover-project/clover-datasets/internal/failures"
	"github.com/clover-project/clover-datasets/internal/logger"
)

// KeyFilter decides which dataset keys a command operates on
type KeyFilter struct {
	include []pattern
	exclude []pattern
}

type pattern struct {
	raw string
	g   glob.Glob
}

// NewKeyFilter compiles include and exclude patterns
func NewKeyFilter(include, exclude []string) (*KeyFilter, error) {
	inc, err := compile(include)
	if err != nil {
		return nil, err
	}
	exc, err := compile(exclude)
	if err != nil {
		return nil, err
	}
	return &KeyFilter{include: inc, exclude: exc}, nil
}

func compile(patterns []string) ([]pattern, error) {
	out := make([]pattern, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern '%s': %w", p, err)
		}
		out = append(out, pattern{raw: p, g: g})
	}
	return out, nil
}

// IsPattern reports whether s holds glob metacharacters
func IsPattern(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

// ShouldInclude determines if a key is selected.
// Returns (shouldInclude bool, reason string)
func (f *KeyFilter) ShouldInclude(key string) (bool, string) {
	for _, p := range f.exclude {
		if p.g.Match(key) {
			return false, fmt.Sprintf("excluded by pattern '%s'", p.raw)
		}
	}

	if len(f.include) > 0 {
		for _, p := range f.include {
			if p.g.Match(key) {
				return true, fmt.Sprintf("included by pattern '%s'", p.raw)
			}
		}
		return false, "no match found in include patterns"
	}

	if len(f.exclude) > 0 {
		return true, "no match in exclude patterns"
	}
	return true, "no filters specified"
}

// Apply returns the selected keys in input order
func (f *KeyFilter) Apply(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		ok, reason := f.ShouldInclude(k)
		if !ok {
			logger.Debugw("Dataset filtered out", "dataset", k, "reason", reason)
			continue
		}
		out = append(out, k)
	}
	return out
}

// Unmatched returns the include patterns that select none of keys
func (f *KeyFilter) Unmatched(keys []string) []string {
	var out []string
	for _, p := range f.include {
		matched := false
		for _, k := range keys {
			if p.g.Match(k) {
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, p.raw)
		}
	}
	return out
}

// Select resolves requested keys and patterns against the available keys and
// drops those matching an exclude pattern. Exact keys are kept as given so the
// registry can report unknown ones; a pattern matching nothing is an
// unknown-dataset error.
func Select(available, requested, exclude []string) ([]string, error) {
	var exact, patterns []string
	for _, r := range requested {
		if IsPattern(r) {
			patterns = append(patterns, r)
		} else {
			exact = append(exact, r)
		}
	}

	selected := exact
	if len(patterns) > 0 {
		f, err := NewKeyFilter(patterns, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", failures.ErrConfig, err)
		}
		if unmatched := f.Unmatched(available); len(unmatched) > 0 {
			return nil, failures.Newf(failures.ErrUnknownDataset, failures.StageRegistry, unmatched[0],
				"no dataset matches the pattern")
		}
		selected = append(selected, f.Apply(available)...)
	}

	if len(exclude) == 0 {
		return selected, nil
	}
	f, err := NewKeyFilter(nil, exclude)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", failures.ErrConfig, err)
	}
	return f.Apply(selected), nil
}

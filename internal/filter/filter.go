// Package filter evaluates the include/exclude glob rules the master ships
// to the source daemon. Patterns are anchored at the copy root and use '/'
// as the separator; rules are evaluated in order and the first match
// decides. A path matching no rule is included.
package filter

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/wykurz/rcp-sub000/internal/wire"
)

type rule struct {
	include bool
	dirOnly bool
	g       glob.Glob
}

type Filter struct {
	rules []rule
}

// New compiles spec. A nil or empty spec yields a nil Filter, which
// includes everything.
func New(spec *wire.FilterSpec) (*Filter, error) {
	if spec.Empty() {
		return nil, nil
	}
	f := &Filter{rules: make([]rule, 0, len(spec.Rules))}
	for _, r := range spec.Rules {
		g, err := glob.Compile(r.Pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("filter pattern %q: %w", r.Pattern, err)
		}
		f.rules = append(f.rules, rule{include: r.Include, dirOnly: r.DirOnly, g: g})
	}
	return f, nil
}

// Match reports whether the entry at relPath (relative to the copy root,
// '/'-separated, no leading slash) survives the filter.
func (f *Filter) Match(relPath string, isDir bool) bool {
	if f == nil {
		return true
	}
	for _, r := range f.rules {
		if r.dirOnly && !isDir {
			continue
		}
		if r.g.Match(relPath) {
			return r.include
		}
	}
	return true
}

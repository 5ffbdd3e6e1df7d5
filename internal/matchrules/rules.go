// Package matchrules implements the ref-counted match rule set used by
// the property cache to decide which paths and signals to mirror,
// grounded on original_source's cockpitdbusrules.c.
package matchrules

import (
	"fmt"
	"strings"

	"github.com/deskbridge/bridge/internal/pathset"
)

// Rule is a single (path, is_namespace, interface?, member?, arg0?) match
// criterion. Empty string fields mean "don't care", exactly as NULL does
// in the original.
type Rule struct {
	Path        string
	IsNamespace bool
	Interface   string
	Member      string
	Arg0        string
}

// Set is the ref-counted rule container. The zero value is a valid,
// match-nothing set.
type Set struct {
	all map[Rule]int

	// recompiled fast-path state, rebuilt by recompile() after every
	// structural add/remove.
	exactPaths     map[string]struct{}
	namespacePaths *pathset.Set
	nothing        bool
	onlyPaths      bool
	allPaths       bool
}

// New returns an empty, match-nothing rule set.
func New() *Set {
	s := &Set{all: make(map[Rule]int)}
	s.recompile()
	return s
}

// Add inserts rule, incrementing its refcount. It reports whether this was
// the first reference (a structural change requiring recompile already
// performed internally).
func (s *Set) Add(rule Rule) bool {
	if s.all == nil {
		s.all = make(map[Rule]int)
	}
	n := s.all[rule]
	s.all[rule] = n + 1
	if n == 0 {
		s.recompile()
		return true
	}
	return false
}

// Remove decrements rule's refcount, removing it entirely once it reaches
// zero. Reports whether the rule was actually removed from the set (as
// opposed to merely decremented, or not found at all).
func (s *Set) Remove(rule Rule) bool {
	n, ok := s.all[rule]
	if !ok {
		return false
	}
	if n > 1 {
		s.all[rule] = n - 1
		return false
	}
	delete(s.all, rule)
	s.recompile()
	return true
}

func (s *Set) recompile() {
	s.exactPaths = make(map[string]struct{})
	s.namespacePaths = pathset.New()
	s.allPaths = false
	s.nothing = true
	s.onlyPaths = true

	for rule := range s.all {
		s.nothing = false
		if rule.IsNamespace {
			if rule.Path == "/" {
				s.allPaths = true
			}
			s.namespacePaths.Add(rule.Path)
		} else {
			s.exactPaths[rule.Path] = struct{}{}
		}
		if rule.Interface != "" || rule.Member != "" || rule.Arg0 != "" {
			s.onlyPaths = false
		}
	}
}

// Match reports whether (path, iface, member, arg0) matches any rule in
// the set. Empty strings for iface/member/arg0 mean "field absent on the
// candidate message", matching the NULL semantics of the original: a rule
// that requires arg0 never matches a message with no arg0 at all.
func (s *Set) Match(path, iface, member, arg0 string) bool {
	if s.nothing || len(s.all) == 0 {
		return false
	}
	if !s.allPaths {
		_, exact := s.exactPaths[path]
		_, ancestor := s.namespacePaths.ContainsOrAncestor(path)
		if !exact && !ancestor {
			return false
		}
	}
	if s.onlyPaths {
		return true
	}
	for rule := range s.all {
		if ruleMatches(rule, path, iface, member, arg0) {
			return true
		}
	}
	return false
}

func ruleMatches(rule Rule, path, iface, member, arg0 string) bool {
	if rule.Path != path {
		if !rule.IsNamespace || !pathset.EqualOrAncestor(path, rule.Path) {
			return false
		}
	}
	if iface != "" && rule.Interface != "" && iface != rule.Interface {
		return false
	}
	if member != "" && rule.Member != "" && member != rule.Member {
		return false
	}
	// arg0 on the rule side requires an exact match; a message with no
	// arg0 at all (arg0 == "") never satisfies a rule that specifies one.
	if rule.Arg0 != "" && arg0 != rule.Arg0 {
		return false
	}
	return true
}

// Nothing reports the empty-set fast path.
func (s *Set) Nothing() bool { return s.nothing }

// OnlyPaths reports whether every rule is a bare path/namespace criterion.
func (s *Set) OnlyPaths() bool { return s.onlyPaths }

// AllPaths reports whether a namespace rule at "/" makes every path match.
func (s *Set) AllPaths() bool { return s.allPaths }

// String renders a debug dump in the same shape as
// cockpit_dbus_rules_to_string, for Debug-level log lines only.
func (s *Set) String() string {
	var b strings.Builder
	b.WriteString("[ ")
	for rule := range s.all {
		b.WriteString("{ ")
		if rule.IsNamespace {
			fmt.Fprintf(&b, "path_namespace: %q, ", rule.Path)
		} else {
			fmt.Fprintf(&b, "path: %q, ", rule.Path)
		}
		if rule.Interface != "" {
			fmt.Fprintf(&b, "interface: %q, ", rule.Interface)
		}
		if rule.Arg0 != "" {
			fmt.Fprintf(&b, "arg0: %q, ", rule.Arg0)
		}
		if rule.Member != "" {
			fmt.Fprintf(&b, "member: %q, ", rule.Member)
		}
		b.WriteString("}, ")
	}
	b.WriteString("]")
	return b.String()
}

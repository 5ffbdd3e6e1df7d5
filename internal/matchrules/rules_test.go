package matchrules

import "testing"

// TestScruffyScenario reproduces spec scenario S5.
func TestScruffyScenario(t *testing.T) {
	s := New()
	s.Add(Rule{Path: "/otree", IsNamespace: true})
	s.Add(Rule{Path: "/scruffy/the/janitor", Member: "Marmalade"})

	if !s.Match("/otree/blah", "any.Interface", "AnyMember", "any") {
		t.Fatal("expected namespace match under /otree")
	}
	if s.Match("/scruffy/the/janitor", "x", "Other", "") {
		t.Fatal("expected no match: wrong member")
	}
	if !s.Match("/scruffy/the/janitor", "x", "Marmalade", "") {
		t.Fatal("expected match: correct member")
	}
}

func TestRefcounting(t *testing.T) {
	s := New()
	r := Rule{Path: "/a", IsNamespace: true}
	if !s.Add(r) {
		t.Fatal("first add should be structural")
	}
	if s.Add(r) {
		t.Fatal("second add should only increment refcount")
	}
	if s.Remove(r) {
		t.Fatal("first remove should only decrement refcount")
	}
	if !s.Match("/a/b", "", "", "") {
		t.Fatal("rule should still be active after one remove of two adds")
	}
	if !s.Remove(r) {
		t.Fatal("second remove should actually drop the rule")
	}
	if s.Match("/a/b", "", "", "") {
		t.Fatal("rule should be gone")
	}
	if !s.Nothing() {
		t.Fatal("expected empty set")
	}
}

func TestOnlyPathsAndAllPaths(t *testing.T) {
	s := New()
	s.Add(Rule{Path: "/x"})
	if !s.OnlyPaths() {
		t.Fatal("expected only-paths shortcut")
	}
	if s.AllPaths() {
		t.Fatal("did not expect all-paths")
	}
	s.Add(Rule{Path: "/", IsNamespace: true})
	if !s.AllPaths() {
		t.Fatal("expected all-paths once / namespace rule present")
	}
	if !s.Match("/completely/unrelated", "", "", "") {
		t.Fatal("all-paths should match everything")
	}
}

func TestArg0RequiresPresence(t *testing.T) {
	s := New()
	s.Add(Rule{Path: "/a", Arg0: "needle"})
	if s.Match("/a", "", "", "") {
		t.Fatal("message with no arg0 should not match a rule requiring one")
	}
	if s.Match("/a", "", "", "other") {
		t.Fatal("wrong arg0 should not match")
	}
	if !s.Match("/a", "", "", "needle") {
		t.Fatal("correct arg0 should match")
	}
}

// Package pathset implements a normalized absolute-path set supporting
// ancestor/descendant queries, grounded on original_source's
// cockpitpaths.c: paths are kept ordered by (length, bytes) so exact and
// ancestor lookups binary-search the set; descendant lookups scan it.
package pathset

import "sort"

// Set is a set of normalized absolute paths ("/" or "/a/b", never
// trailing-slash except the root). It is not safe for concurrent use;
// callers on a single-threaded cooperative loop never need it to be.
type Set struct {
	// paths is kept sorted by (len(path), path) so index() can binary
	// search it with the same ordering cockpitpaths.c's GTree comparator
	// uses.
	paths []string
}

// New returns an empty path set.
func New() *Set {
	return &Set{}
}

func less(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// index returns the position of path in the set and whether it was found.
func (s *Set) index(path string) (int, bool) {
	i := sort.Search(len(s.paths), func(i int) bool {
		return !less(s.paths[i], path)
	})
	if i < len(s.paths) && s.paths[i] == path {
		return i, true
	}
	return i, false
}

// Add inserts path if it is not already present, returning the interned
// string (always the set's own stored copy) when inserted, or "" if the
// path was already a member. This mirrors cockpit_paths_add's
// null-if-already-present contract.
func (s *Set) Add(path string) (string, bool) {
	i, found := s.index(path)
	if found {
		return "", false
	}
	s.paths = append(s.paths, "")
	copy(s.paths[i+1:], s.paths[i:])
	s.paths[i] = path
	return path, true
}

// Remove deletes path from the set, reporting whether it was present.
func (s *Set) Remove(path string) bool {
	i, found := s.index(path)
	if !found {
		return false
	}
	s.paths = append(s.paths[:i], s.paths[i+1:]...)
	return true
}

// Contains reports whether path is exactly a member of the set.
func (s *Set) Contains(path string) bool {
	_, found := s.index(path)
	return found
}

// ContainsOrDescendant reports whether path is a member of the set, or any
// stored path is of the form path+"/"+suffix (i.e. path is a member or an
// ancestor of a member). The set's ordering is by (length, bytes), which
// does not admit a single lexicographic-prefix probe the way
// cockpitpaths.c's byte-ordered GTree does; this scans the (typically
// small) set of watched/managed roots instead.
func (s *Set) ContainsOrDescendant(path string) bool {
	prefix := path
	if prefix != "/" {
		prefix += "/"
	}
	for _, p := range s.paths {
		if p == path || (len(p) > len(prefix) && p[:len(prefix)] == prefix) {
			return true
		}
	}
	return false
}

// ContainsOrAncestor walks path upward ("/a/b/c" -> "/a/b" -> "/a" -> "/")
// looking for a member, returning the member path if one is found.
func (s *Set) ContainsOrAncestor(path string) (string, bool) {
	for {
		if _, found := s.index(path); found {
			return path, true
		}
		if path == "/" {
			return "", false
		}
		idx := lastSlash(path)
		if idx <= 0 {
			path = "/"
		} else {
			path = path[:idx]
		}
	}
}

func lastSlash(path string) int {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return i
		}
	}
	return -1
}

// Len reports the number of paths stored.
func (s *Set) Len() int { return len(s.paths) }

// Paths returns a copy of the stored paths in sorted order, for debugging
// and tests.
func (s *Set) Paths() []string {
	out := make([]string, len(s.paths))
	copy(out, s.paths)
	return out
}

// HasParent reports whether child's direct parent is parent, per
// cockpit_path_has_parent.
func HasParent(child, parent string) bool {
	if parent == "/" {
		return len(child) > 1 && child[0] == '/' && lastSlash(child[1:]) == -1
	}
	if len(child) <= len(parent) || child[:len(parent)] != parent || child[len(parent)] != '/' {
		return false
	}
	return lastSlash(child[len(parent)+1:]) == -1
}

// EqualOrAncestor reports whether ancestor equals path or is a path
// component prefix of it, per cockpit_path_equal_or_ancestor.
func EqualOrAncestor(path, ancestor string) bool {
	if ancestor == "/" {
		return true
	}
	if len(path) < len(ancestor) || path[:len(ancestor)] != ancestor {
		return false
	}
	return len(path) == len(ancestor) || path[len(ancestor)] == '/'
}

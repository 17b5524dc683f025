// Package resolver implements dependency resolution over the registry:
// version constraints, reconstruction of differentially stored dependency
// sets, satisfying-version selection, transitive resolution, and cycle
// detection.
package resolver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ConstraintError reports an unparseable version constraint.
type ConstraintError struct {
	Raw string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("resolver: invalid version constraint %q", e.Raw)
}

// Version is a dotted-integer version of arbitrary length.
type Version []int

// ParseVersion parses "1.2.3" style strings. Any number of components is
// accepted; every component must be a non-negative integer.
func ParseVersion(s string) (Version, error) {
	if s == "" {
		return nil, fmt.Errorf("resolver: empty version string")
	}
	parts := strings.Split(s, ".")
	v := make(Version, len(parts))
	for i, part := range parts {
		if part == "" || strings.IndexFunc(part, notDigit) >= 0 {
			return nil, fmt.Errorf("resolver: invalid version %q", s)
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("resolver: invalid version %q", s)
		}
		v[i] = n
	}
	return v, nil
}

func notDigit(r rune) bool { return r < '0' || r > '9' }

func (v Version) String() string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

// Compare orders versions component-wise, padding the shorter one with
// zeros, so 1.0 == 1.0.0. Returns -1, 0, or 1.
func (v Version) Compare(o Version) int {
	n := len(v)
	if len(o) > n {
		n = len(o)
	}
	for i := 0; i < n; i++ {
		var a, b int
		if i < len(v) {
			a = v[i]
		}
		if i < len(o) {
			b = o[i]
		}
		if a != b {
			if a < b {
				return -1
			}
			return 1
		}
	}
	return 0
}

var constraintPattern = regexp.MustCompile(`^([<>=!~]+)(\d+(?:\.\d+)*)$`)

var validOps = map[string]bool{
	"==": true, "!=": true, ">=": true, "<=": true, ">": true, "<": true, "~=": true,
}

// Constraint is a single operator/version clause, or Any when zero.
// Multi-clause constraints would extend this type without changing call
// sites.
type Constraint struct {
	Op      string
	Version Version
	raw     string
}

// Any matches every version.
var Any = Constraint{}

// IsAny reports whether the constraint matches everything.
func (c Constraint) IsAny() bool { return c.Op == "" }

func (c Constraint) String() string {
	if c.IsAny() {
		return ""
	}
	return c.raw
}

// ParseConstraint parses "<op><version>" with op one of
// ==, !=, >=, <=, >, <, ~=. The empty string is Any.
func ParseConstraint(raw string) (Constraint, error) {
	if raw == "" {
		return Any, nil
	}
	m := constraintPattern.FindStringSubmatch(raw)
	if m == nil {
		return Constraint{}, &ConstraintError{Raw: raw}
	}
	op, verStr := m[1], m[2]
	if !validOps[op] {
		return Constraint{}, &ConstraintError{Raw: raw}
	}
	v, err := ParseVersion(verStr)
	if err != nil {
		return Constraint{}, &ConstraintError{Raw: raw}
	}
	if op == "~=" && len(v) < 2 {
		// Compatible-release needs a component to hold fixed.
		return Constraint{}, &ConstraintError{Raw: raw}
	}
	return Constraint{Op: op, Version: v, raw: raw}, nil
}

// Satisfies reports whether v meets the constraint.
func (c Constraint) Satisfies(v Version) bool {
	switch c.Op {
	case "":
		return true
	case "==":
		return v.Compare(c.Version) == 0
	case "!=":
		return v.Compare(c.Version) != 0
	case ">=":
		return v.Compare(c.Version) >= 0
	case "<=":
		return v.Compare(c.Version) <= 0
	case ">":
		return v.Compare(c.Version) > 0
	case "<":
		return v.Compare(c.Version) < 0
	case "~=":
		// ~=1.2.3 means >=1.2.3 and <1.3.
		if v.Compare(c.Version) < 0 {
			return false
		}
		upper := make(Version, len(c.Version)-1)
		copy(upper, c.Version[:len(c.Version)-1])
		upper[len(upper)-1]++
		return v.Compare(upper) < 0
	default:
		return false
	}
}

// SatisfiesString parses s and checks it against the constraint.
func (c Constraint) SatisfiesString(s string) (bool, error) {
	v, err := ParseVersion(s)
	if err != nil {
		return false, err
	}
	return c.Satisfies(v), nil
}

package debver

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed Debian version string: "[epoch:]upstream[-revision]".
type Version struct {
	Epoch    int
	Upstream string
	Revision string
}

// String renders v back into canonical Debian version syntax.
func (v Version) String() string {
	var b strings.Builder
	if v.Epoch != 0 {
		fmt.Fprintf(&b, "%d:", v.Epoch)
	}
	b.WriteString(v.Upstream)
	if v.Revision != "" {
		b.WriteByte('-')
		b.WriteString(v.Revision)
	}
	return b.String()
}

// Parse parses a Debian version string into epoch, upstream, and revision.
// The epoch defaults to 0 when no ":" is present; the revision defaults to
// the empty string when no "-" is present.
func Parse(s string) (Version, error) {
	if s == "" {
		return Version{}, fmt.Errorf("debver: empty version string")
	}
	var v Version
	rest := s
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		epoch, err := strconv.Atoi(rest[:i])
		if err != nil || epoch < 0 {
			return Version{}, fmt.Errorf("debver: invalid epoch in %q", s)
		}
		v.Epoch = epoch
		rest = rest[i+1:]
	}
	if i := strings.LastIndexByte(rest, '-'); i >= 0 {
		v.Upstream = rest[:i]
		v.Revision = rest[i+1:]
	} else {
		v.Upstream = rest
	}
	if v.Upstream == "" {
		return Version{}, fmt.Errorf("debver: empty upstream portion in %q", s)
	}
	return v, nil
}

// Compare returns -1, 0, or 1 as a sorts before, equal to, or after b,
// per Debian policy §5.6.12: epoch compared numerically, then upstream,
// then revision, each of the latter two via compareComponent.
func Compare(a, b Version) int {
	if a.Epoch != b.Epoch {
		if a.Epoch < b.Epoch {
			return -1
		}
		return 1
	}
	if c := compareComponent(a.Upstream, b.Upstream); c != 0 {
		return c
	}
	return compareComponent(a.Revision, b.Revision)
}

// Less reports whether a sorts strictly before b.
func Less(a, b Version) bool { return Compare(a, b) < 0 }

// Equal reports whether a and b compare equal, epoch included.
func Equal(a, b Version) bool { return Compare(a, b) == 0 }

// order assigns the sort class dpkg uses for a single byte encountered
// during a non-digit run: '~' sorts before everything, including the end
// of the string; the end of the string and digits (which are otherwise
// handled by the digit-run phase) share the next class; letters sort
// above both; every other byte sorts above letters.
func order(c byte) int {
	switch {
	case c == '~':
		return -1
	case c >= '0' && c <= '9':
		return 0
	case (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
		return int(c)
	case c == 0:
		return 0
	default:
		return int(c) + 256
	}
}

// compareComponent compares two upstream or revision strings using dpkg's
// verrevcmp: alternating non-digit runs (compared via order) and digit
// runs (compared numerically, leading zeros ignored).
func compareComponent(a, b string) int {
	for len(a) > 0 || len(b) > 0 {
		for (len(a) > 0 && !isDigit(a[0])) || (len(b) > 0 && !isDigit(b[0])) {
			var ac, bc byte
			if len(a) > 0 {
				ac = a[0]
			}
			if len(b) > 0 {
				bc = b[0]
			}
			if oa, ob := order(ac), order(bc); oa != ob {
				if oa < ob {
					return -1
				}
				return 1
			}
			if len(a) > 0 {
				a = a[1:]
			}
			if len(b) > 0 {
				b = b[1:]
			}
		}

		for len(a) > 0 && a[0] == '0' {
			a = a[1:]
		}
		for len(b) > 0 && b[0] == '0' {
			b = b[1:]
		}

		digitsA, digitsB := 0, 0
		for digitsA < len(a) && isDigit(a[digitsA]) {
			digitsA++
		}
		for digitsB < len(b) && isDigit(b[digitsB]) {
			digitsB++
		}
		da, db := a[:digitsA], b[:digitsB]
		a, b = a[digitsA:], b[digitsB:]

		if len(da) != len(db) {
			if len(da) < len(db) {
				return -1
			}
			return 1
		}
		if da != db {
			if da < db {
				return -1
			}
			return 1
		}
	}
	return 0
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// Op is a Debian dependency-relation operator.
type Op string

const (
	OpLT Op = "<<"
	OpLE Op = "<="
	OpEQ Op = "="
	OpGE Op = ">="
	OpGT Op = ">>"
)

// Satisfies reports whether version v satisfies the constraint "op operand",
// e.g. Satisfies(v, OpGE, operand) implements "v >= operand".
func Satisfies(v Version, op Op, operand Version) (bool, error) {
	c := Compare(v, operand)
	switch op {
	case OpLT:
		return c < 0, nil
	case OpLE:
		return c <= 0, nil
	case OpEQ:
		return c == 0, nil
	case OpGE:
		return c >= 0, nil
	case OpGT:
		return c > 0, nil
	default:
		return false, fmt.Errorf("debver: unknown operator %q", op)
	}
}

package debver

import "strings"

// Relation is a single element of a dependency expression: a package name,
// optional architecture qualifier, and optional version constraint.
type Relation struct {
	Name       string
	Arch       string // empty unless the relation carries a "[arch]" qualifier
	Op         Op     // empty when the relation carries no version constraint
	Version    Version
	VersionRaw string
}

// HasConstraint reports whether the relation carries a version constraint.
func (r Relation) HasConstraint() bool { return r.Op != "" }

// ParseRelationField parses a control-file relation field (Depends,
// Pre-Depends, Recommends, Suggests, Conflicts, Breaks, Replaces,
// Provides, Enhances): a comma-separated list of conjuncts, each of which
// may be a "|"-separated disjunction of alternatives.
func ParseRelationField(field string) ([][]Relation, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return nil, nil
	}
	var conjuncts [][]Relation
	for _, entry := range splitTopLevel(field, ',') {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		var alts []Relation
		for _, altStr := range strings.Split(entry, "|") {
			rel, err := parseOneRelation(strings.TrimSpace(altStr))
			if err != nil {
				return nil, err
			}
			alts = append(alts, rel)
		}
		conjuncts = append(conjuncts, alts)
	}
	return conjuncts, nil
}

func splitTopLevel(s string, sep byte) []string {
	// Commas inside a relation field never appear nested in parens/brackets
	// for the fields this parses, so a plain split is sufficient; kept as
	// its own function so future fields needing nesting-aware splitting
	// have a single place to change.
	return strings.Split(s, string(sep))
}

// parseOneRelation parses a single "name (op version) [arch]" term.
func parseOneRelation(s string) (Relation, error) {
	rel := Relation{}
	s = strings.TrimSpace(s)

	if i := strings.IndexByte(s, '['); i >= 0 {
		if j := strings.IndexByte(s[i:], ']'); j >= 0 {
			rel.Arch = strings.TrimSpace(s[i+1 : i+j])
			s = strings.TrimSpace(s[:i])
		}
	}

	if i := strings.IndexByte(s, '('); i >= 0 {
		rel.Name = strings.TrimSpace(s[:i])
		close := strings.IndexByte(s[i:], ')')
		if close < 0 {
			return Relation{}, &parseError{s}
		}
		inner := strings.TrimSpace(s[i+1 : i+close])
		op, verStr, err := splitConstraint(inner)
		if err != nil {
			return Relation{}, err
		}
		v, err := Parse(verStr)
		if err != nil {
			return Relation{}, err
		}
		rel.Op = op
		rel.Version = v
		rel.VersionRaw = verStr
	} else {
		rel.Name = s
	}
	if rel.Name == "" {
		return Relation{}, &parseError{s}
	}
	return rel, nil
}

func splitConstraint(inner string) (Op, string, error) {
	for _, op := range []Op{OpLE, OpGE, OpLT, OpGT, OpEQ} {
		if strings.HasPrefix(inner, string(op)) {
			return op, strings.TrimSpace(inner[len(op):]), nil
		}
	}
	return "", "", &parseError{inner}
}

type parseError struct{ s string }

func (e *parseError) Error() string { return "debver: cannot parse relation term " + e.s }

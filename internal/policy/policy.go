// Package policy holds the allow/deny mapping over statement kinds that
// gates every raw SQL execution.
package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/borealdata/icebridge/internal/sqlstmt"
)

// Policy is an immutable allow/deny mapping from statement kind to boolean.
// Kinds absent from the mapping are denied. Construct a new Policy to change
// it; never mutate one that is already in use.
type Policy struct {
	allow map[sqlstmt.Kind]bool
}

// New builds a Policy from an explicit mapping. The input map is copied.
func New(allow map[sqlstmt.Kind]bool) Policy {
	m := make(map[sqlstmt.Kind]bool, len(allow))
	for k, v := range allow {
		m[k] = v
	}
	return Policy{allow: m}
}

// FromConfig builds a Policy from configuration entries keyed by kind name.
// An entry whose key is not a recognized kind is a configuration error.
func FromConfig(entries map[string]bool) (Policy, error) {
	m := make(map[sqlstmt.Kind]bool, len(entries))
	for name, allowed := range entries {
		kind, ok := sqlstmt.Parse(name)
		if !ok {
			return Policy{}, fmt.Errorf("unrecognized statement kind %q in sql permissions", name)
		}
		if _, dup := m[kind]; dup {
			return Policy{}, fmt.Errorf("statement kind %q configured twice in sql permissions", kind)
		}
		m[kind] = allowed
	}
	return Policy{allow: m}, nil
}

// Allows reports whether statements of the given kind may execute.
// Unconfigured kinds are denied.
func (p Policy) Allows(kind sqlstmt.Kind) bool {
	return p.allow[kind]
}

// Allowed returns the kinds the policy permits, sorted, for logging.
func (p Policy) Allowed() []sqlstmt.Kind {
	var kinds []sqlstmt.Kind
	for k, v := range p.allow {
		if v {
			kinds = append(kinds, k)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (p Policy) String() string {
	allowed := p.Allowed()
	names := make([]string, 0, len(allowed))
	for _, k := range allowed {
		names = append(names, string(k))
	}
	return "allow[" + strings.Join(names, ",") + "]"
}

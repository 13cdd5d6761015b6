// Package rules implements listener-rule path matching and rewriting.
package rules

import (
	"sort"
	"strings"
)

// Rule binds a path prefix to a target group, with an optional prefix
// to strip before forwarding.
type Rule struct {
	PathPrefix      string
	PathRewrite     string
	TargetGroupName string
}

// RewriteURI strips exactly one leading occurrence of PathRewrite from
// uri and ensures the result begins with "/". If PathRewrite is empty,
// or uri does not start with it, uri is returned unchanged.
func (r Rule) RewriteURI(uri string) string {
	if r.PathRewrite == "" || !strings.HasPrefix(uri, r.PathRewrite) {
		return uri
	}
	rewritten := uri[len(r.PathRewrite):]
	if !strings.HasPrefix(rewritten, "/") {
		rewritten = "/" + rewritten
	}
	return rewritten
}

// Table is an ordered collection of Rules, sorted by descending prefix
// length so the longest (most specific) match wins.
type Table struct {
	rules []Rule
}

// NewTable builds a Table from rules in configuration order, sorting a
// copy by descending PathPrefix length. Ties keep their original order
// (sort.SliceStable).
func NewTable(rules []Rule) *Table {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
	})
	return &Table{rules: sorted}
}

// Rules returns the table's rules in match order (descending prefix length).
func (t *Table) Rules() []Rule {
	return t.rules
}

// Match returns the first rule (in descending-prefix-length order) whose
// PathPrefix is a prefix of uri, and true. If none matches, the zero
// Rule and false are returned.
func (t *Table) Match(uri string) (Rule, bool) {
	for _, r := range t.rules {
		if strings.HasPrefix(uri, r.PathPrefix) {
			return r, true
		}
	}
	return Rule{}, false
}

// Package index decomposes record bodies into typed search index entries
// according to per-record-type extraction rules. Rules are registered at
// startup in a typed registry; unknown fields produce no entries and
// unknown parameter names at query time are rejected by the query engine.
package index

import (
	"fmt"
	"sort"

	"github.com/openclin/recordstore/internal/db/schema"
)

// Component is one member of a composite rule, located relative to the
// rule's path. An empty path reads the rule element itself.
type Component struct {
	Path string
	Kind schema.ParamKind
}

// Rule maps a document field path to a named search parameter.
type Rule struct {
	// Name is the search parameter name exposed to queries.
	Name string
	// Kind selects the value columns an entry carries.
	Kind schema.ParamKind
	// Path is the dotted field path the value is read from. Empty for
	// composite rules whose components live at the document root.
	Path string
	// Components is set for composite rules only: every component must
	// be present on one element for an entry to be emitted.
	Components []Component
}

// ParamExtractor produces the complete entry set for one record type.
// RuleSet is the table-driven implementation; record types with bespoke
// extraction logic implement this directly.
type ParamExtractor interface {
	RecordType() string
	Rules() []Rule
}

// RuleSet is a plain table of rules for one record type.
type RuleSet struct {
	Type  string
	Table []Rule
}

func (rs *RuleSet) RecordType() string { return rs.Type }
func (rs *RuleSet) Rules() []Rule      { return rs.Table }

// Registry holds the per-type extraction rules, registered once at
// process start.
type Registry struct {
	byType map[string]ParamExtractor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]ParamExtractor)}
}

// Register adds an extractor; re-registering a type is a programming
// error and panics during startup.
func (r *Registry) Register(ex ParamExtractor) {
	if _, dup := r.byType[ex.RecordType()]; dup {
		panic(fmt.Sprintf("index: duplicate extractor for record type %q", ex.RecordType()))
	}
	r.byType[ex.RecordType()] = ex
}

// Lookup returns the extractor for a record type.
func (r *Registry) Lookup(recordType string) (ParamExtractor, bool) {
	ex, ok := r.byType[recordType]
	return ex, ok
}

// Definition returns the rule for one (record type, parameter name).
func (r *Registry) Definition(recordType, paramName string) (Rule, bool) {
	ex, ok := r.byType[recordType]
	if !ok {
		return Rule{}, false
	}
	for _, rule := range ex.Rules() {
		if rule.Name == paramName {
			return rule, true
		}
	}
	return Rule{}, false
}

// Types returns the registered record types, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

package index

import (
	"log/slog"

	"github.com/openclin/recordstore/internal/db/schema"
	"github.com/openclin/recordstore/internal/refs"
	"github.com/openclin/recordstore/pkg/document"
)

// Indexer turns record bodies into search index entries using the
// registered per-type rules. Extraction is idempotent: the same body
// always yields the same entry set.
type Indexer struct {
	registry *Registry
	session  *refs.SessionResolver
	logger   *slog.Logger
}

// NewIndexer creates an indexer. session may be nil outside batch
// imports.
func NewIndexer(registry *Registry, session *refs.SessionResolver, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{registry: registry, session: session, logger: logger}
}

// Registry returns the rule registry the indexer was built with.
func (ix *Indexer) Registry() *Registry { return ix.registry }

// node is one document position captured during the collection walk.
type node struct {
	value       any
	indexedPath string
}

// Extract produces the complete entry set for a record body. A record
// type with no registered extractor yields no entries and remains
// storable but unsearchable. Individual field extraction failures are
// skipped so one malformed field never makes the whole record
// unsearchable.
func (ix *Indexer) Extract(recordType, recordID string, body document.Document) []schema.SearchIndexEntry {
	ex, ok := ix.registry.Lookup(recordType)
	if !ok {
		return nil
	}

	nodes := collectNodes(body)

	var entries []schema.SearchIndexEntry
	for _, rule := range ex.Rules() {
		entries = append(entries, ix.applyRule(recordType, recordID, rule, nodes, body)...)
	}
	return entries
}

// collectNodes walks the body once and groups every node by its dotted
// path. Both the indexer and the reference extractor traverse through
// the shared walker, keeping path conventions identical.
func collectNodes(body document.Document) map[string][]node {
	nodes := make(map[string][]node)
	_ = document.Walk(body, func(wc *document.WalkContext) error {
		nodes[wc.Path] = append(nodes[wc.Path], node{value: wc.Value, indexedPath: wc.IndexedPath})
		return nil
	})
	return nodes
}

func (ix *Indexer) applyRule(recordType, recordID string, rule Rule, nodes map[string][]node, body document.Document) []schema.SearchIndexEntry {
	base := schema.SearchIndexEntry{
		RecordType: recordType,
		RecordID:   recordID,
		ParamName:  rule.Name,
		ParamKind:  rule.Kind,
	}

	if rule.Kind == schema.KindComposite {
		return ix.applyComposite(base, rule, nodes, body)
	}

	var entries []schema.SearchIndexEntry
	for _, n := range nodes[rule.Path] {
		switch rule.Kind {
		case schema.KindString:
			for _, s := range stringValues(n.value) {
				e := base
				e.StringValue = s
				entries = append(entries, e)
			}
		case schema.KindToken:
			for _, tv := range tokenValues(n.value) {
				e := base
				e.System = tv.System
				e.Code = tv.Code
				entries = append(entries, e)
			}
		case schema.KindDate:
			if t, ok := dateValue(n.value); ok {
				e := base
				e.DateValue = &t
				entries = append(entries, e)
			} else {
				ix.logger.Warn("unparseable date field skipped",
					"recordType", recordType, "recordID", recordID, "param", rule.Name, "path", n.indexedPath)
			}
		case schema.KindNumber:
			if f, ok := numberValue(n.value); ok {
				e := base
				e.NumberValue = &f
				entries = append(entries, e)
			}
		case schema.KindQuantity:
			for _, qv := range quantityValues(n.value) {
				e := base
				v := qv.Value
				e.NumberValue = &v
				e.Unit = qv.Unit
				entries = append(entries, e)
			}
		case schema.KindReference:
			for _, raw := range rawReferences(n.value) {
				target, ok := refs.Resolve(raw, ix.session)
				if !ok {
					// Recorded as a dangling edge by the reference
					// extractor; not queryable until reconciled.
					continue
				}
				e := base
				e.TargetType = target.Type
				e.TargetID = target.ID
				e.StringValue = raw
				entries = append(entries, e)
			}
		}
	}
	return entries
}

// applyComposite emits one entry per element on which every component is
// present, so composite queries match same-entry co-occurrence rather
// than record-wide co-occurrence.
func (ix *Indexer) applyComposite(base schema.SearchIndexEntry, rule Rule, nodes map[string][]node, body document.Document) []schema.SearchIndexEntry {
	elements := nodes[rule.Path]
	if rule.Path == "" {
		elements = []node{{value: map[string]any(body), indexedPath: ""}}
	}

	var entries []schema.SearchIndexEntry
	for _, elem := range elements {
		obj, ok := elem.value.(map[string]any)
		if !ok {
			continue
		}

		e := base
		e.CompositeKey = rule.Name + "@" + elem.indexedPath
		complete := true
		for _, comp := range rule.Components {
			v, found := document.Get(obj, comp.Path)
			if !found {
				complete = false
				break
			}
			switch comp.Kind {
			case schema.KindToken:
				tvs := tokenValues(v)
				if len(tvs) == 0 {
					complete = false
					break
				}
				e.System = tvs[0].System
				e.Code = tvs[0].Code
			case schema.KindQuantity:
				qvs := quantityValues(v)
				if len(qvs) == 0 {
					complete = false
					break
				}
				e.NumberValue = &qvs[0].Value
				e.Unit = qvs[0].Unit
			case schema.KindNumber:
				f, ok := numberValue(v)
				if !ok {
					complete = false
					break
				}
				e.NumberValue = &f
			case schema.KindString:
				ss := stringValues(v)
				if len(ss) == 0 {
					complete = false
					break
				}
				e.StringValue = ss[0]
			case schema.KindDate:
				t, ok := dateValue(v)
				if !ok {
					complete = false
					break
				}
				e.DateValue = &t
			}
			if !complete {
				break
			}
		}
		if complete {
			entries = append(entries, e)
		}
	}
	return entries
}

package refs

import (
	"log/slog"

	"github.com/openclin/recordstore/internal/db/schema"
	"github.com/openclin/recordstore/pkg/document"
)

// Extractor walks a record body and produces one ReferenceEdge per
// reference literal occurrence. Its traversal order is the shared
// document walker's, so edge field paths agree with the search indexer's
// path conventions.
type Extractor struct {
	session *SessionResolver
	logger  *slog.Logger
}

// NewExtractor creates an extractor. session may be nil outside batch
// imports; resolution then relies solely on the literal "Type/id" form.
func NewExtractor(session *SessionResolver, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{session: session, logger: logger}
}

// Session returns the extractor's session table, nil when not importing.
func (e *Extractor) Session() *SessionResolver { return e.session }

// Extract returns the full edge set for one record body. Duplicate
// literals at distinct paths produce distinct edges. A malformed
// reference element is logged and skipped; it never fails the write.
func (e *Extractor) Extract(sourceType, sourceID string, body document.Document) []schema.ReferenceEdge {
	var edges []schema.ReferenceEdge

	err := document.Walk(body, func(wc *document.WalkContext) error {
		obj, ok := wc.Value.(map[string]any)
		if !ok {
			return nil
		}
		rawVal, present := obj["reference"]
		if !present {
			return nil
		}
		raw, ok := rawVal.(string)
		if !ok || raw == "" {
			e.logger.Warn("skipping malformed reference element",
				"sourceType", sourceType, "sourceID", sourceID, "path", wc.IndexedPath)
			return nil
		}

		edge := schema.ReferenceEdge{
			SourceType: sourceType,
			SourceID:   sourceID,
			FieldPath:  wc.IndexedPath,
			RawRef:     raw,
		}
		if target, ok := Resolve(raw, e.session); ok {
			edge.TargetType = target.Type
			edge.TargetID = target.ID
		}
		edges = append(edges, edge)
		return nil
	})
	if err != nil {
		// The visitor never returns an error; kept for the walker contract.
		e.logger.Error("reference walk aborted", "sourceType", sourceType, "sourceID", sourceID, "error", err)
	}

	return edges
}

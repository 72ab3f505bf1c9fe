package index

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclin/recordstore/internal/db/schema"
	"github.com/openclin/recordstore/internal/refs"
	"github.com/openclin/recordstore/pkg/document"
)

func entriesFor(entries []schema.SearchIndexEntry, param string) []schema.SearchIndexEntry {
	var out []schema.SearchIndexEntry
	for _, e := range entries {
		if e.ParamName == param {
			out = append(out, e)
		}
	}
	return out
}

func sampleObservation() document.Document {
	return document.Document{
		"resourceType": "Observation",
		"id":           "obs-1",
		"status":       "final",
		"code": map[string]any{
			"coding": []any{
				map[string]any{"system": "http://loinc.org", "code": "8867-4"},
				map[string]any{"system": "http://snomed.info/sct", "code": "364075005"},
			},
		},
		"subject":           map[string]any{"reference": "Patient/p1"},
		"effectiveDateTime": "2024-03-15T10:30:00Z",
		"valueQuantity":     map[string]any{"value": 72.0, "unit": "beats/minute"},
	}
}

func TestExtractUnknownTypeYieldsNoEntries(t *testing.T) {
	ix := NewIndexer(Builtin(), nil, nil)
	entries := ix.Extract("Unregistered", "x1", document.Document{"field": "value"})
	assert.Empty(t, entries)
}

func TestExtractTokenOneEntryPerCoding(t *testing.T) {
	ix := NewIndexer(Builtin(), nil, nil)
	entries := ix.Extract("Observation", "obs-1", sampleObservation())

	codes := entriesFor(entries, "code")
	require.Len(t, codes, 2)
	assert.Equal(t, "http://loinc.org", codes[0].System)
	assert.Equal(t, "8867-4", codes[0].Code)
	assert.Equal(t, "http://snomed.info/sct", codes[1].System)
	assert.Equal(t, "364075005", codes[1].Code)

	status := entriesFor(entries, "status")
	require.Len(t, status, 1)
	assert.Equal(t, "final", status[0].Code)
	assert.Empty(t, status[0].System)
}

func TestExtractDateAndQuantity(t *testing.T) {
	ix := NewIndexer(Builtin(), nil, nil)
	entries := ix.Extract("Observation", "obs-1", sampleObservation())

	dates := entriesFor(entries, "date")
	require.Len(t, dates, 1)
	require.NotNil(t, dates[0].DateValue)
	assert.Equal(t, time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC), *dates[0].DateValue)

	qty := entriesFor(entries, "value-quantity")
	require.Len(t, qty, 1)
	require.NotNil(t, qty[0].NumberValue)
	assert.Equal(t, 72.0, *qty[0].NumberValue)
	assert.Equal(t, "beats/minute", qty[0].Unit)
}

func TestExtractReferenceSetsTarget(t *testing.T) {
	ix := NewIndexer(Builtin(), nil, nil)
	entries := ix.Extract("Observation", "obs-1", sampleObservation())

	for _, param := range []string{"subject", "patient"} {
		got := entriesFor(entries, param)
		require.Len(t, got, 1, "param %s", param)
		assert.Equal(t, "Patient", got[0].TargetType)
		assert.Equal(t, "p1", got[0].TargetID)
		assert.Equal(t, "Patient/p1", got[0].StringValue)
	}
}

func TestExtractBareStringReferenceAgreesWithEdges(t *testing.T) {
	body := sampleObservation()
	body["subject"] = "Patient/p1"

	ix := NewIndexer(Builtin(), nil, nil)
	entries := ix.Extract("Observation", "obs-1", body)
	edges := refs.NewExtractor(nil, nil).Extract("Observation", "obs-1", body)

	// Only the object form is a reference literal; the indexer and the
	// edge extractor must agree so every queryable reference has an edge.
	assert.Empty(t, entriesFor(entries, "subject"))
	assert.Empty(t, edges)
}

func TestExtractUnresolvedURNSkipped(t *testing.T) {
	body := sampleObservation()
	body["subject"] = map[string]any{"reference": "urn:uuid:aaaa-bbbb"}

	ix := NewIndexer(Builtin(), nil, nil)
	entries := ix.Extract("Observation", "obs-1", body)
	assert.Empty(t, entriesFor(entries, "subject"))
}

func TestExtractURNResolvedThroughSession(t *testing.T) {
	session := refs.NewSessionResolver()
	session.Register("urn:uuid:aaaa-bbbb", refs.Target{Type: "Patient", ID: "p9"})
	body := sampleObservation()
	body["subject"] = map[string]any{"reference": "urn:uuid:aaaa-bbbb"}

	ix := NewIndexer(Builtin(), session, nil)
	entries := ix.Extract("Observation", "obs-1", body)

	got := entriesFor(entries, "subject")
	require.Len(t, got, 1)
	assert.Equal(t, "Patient", got[0].TargetType)
	assert.Equal(t, "p9", got[0].TargetID)
}

func TestExtractCompositeSameElement(t *testing.T) {
	ix := NewIndexer(Builtin(), nil, nil)
	entries := ix.Extract("Observation", "obs-1", sampleObservation())

	comp := entriesFor(entries, "code-value-quantity")
	require.Len(t, comp, 1)
	assert.Equal(t, "code-value-quantity@", comp[0].CompositeKey)
	assert.Equal(t, "http://loinc.org", comp[0].System)
	assert.Equal(t, "8867-4", comp[0].Code)
	require.NotNil(t, comp[0].NumberValue)
	assert.Equal(t, 72.0, *comp[0].NumberValue)
}

func TestExtractComponentCompositePerElement(t *testing.T) {
	body := document.Document{
		"resourceType": "Observation",
		"status":       "final",
		"code":         map[string]any{"coding": []any{map[string]any{"system": "http://loinc.org", "code": "85354-9"}}},
		"component": []any{
			map[string]any{
				"code":          map[string]any{"coding": []any{map[string]any{"system": "http://loinc.org", "code": "8480-6"}}},
				"valueQuantity": map[string]any{"value": 120.0, "unit": "mmHg"},
			},
			map[string]any{
				"code":          map[string]any{"coding": []any{map[string]any{"system": "http://loinc.org", "code": "8462-4"}}},
				"valueQuantity": map[string]any{"value": 80.0, "unit": "mmHg"},
			},
			// No valueQuantity: must not produce a composite entry.
			map[string]any{
				"code": map[string]any{"coding": []any{map[string]any{"system": "http://loinc.org", "code": "8478-0"}}},
			},
		},
	}

	ix := NewIndexer(Builtin(), nil, nil)
	entries := ix.Extract("Observation", "obs-2", body)

	comp := entriesFor(entries, "component-code-value-quantity")
	require.Len(t, comp, 2)
	assert.Equal(t, "component-code-value-quantity@component[0]", comp[0].CompositeKey)
	assert.Equal(t, "8480-6", comp[0].Code)
	assert.Equal(t, 120.0, *comp[0].NumberValue)
	assert.Equal(t, "component-code-value-quantity@component[1]", comp[1].CompositeKey)
	assert.Equal(t, "8462-4", comp[1].Code)
	assert.Equal(t, 80.0, *comp[1].NumberValue)
}

func TestExtractIdempotent(t *testing.T) {
	ix := NewIndexer(Builtin(), nil, nil)
	body := sampleObservation()

	first := ix.Extract("Observation", "obs-1", body)
	second := ix.Extract("Observation", "obs-1", body)
	assert.Equal(t, first, second)
}

func TestExtractSkipsUnparseableDate(t *testing.T) {
	body := sampleObservation()
	body["effectiveDateTime"] = "not-a-date"

	ix := NewIndexer(Builtin(), nil, nil)
	entries := ix.Extract("Observation", "obs-1", body)
	assert.Empty(t, entriesFor(entries, "date"))
	// The rest of the record stays searchable.
	assert.NotEmpty(t, entriesFor(entries, "code"))
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	r.Register(&RuleSet{Type: "Widget"})
	assert.Panics(t, func() {
		r.Register(&RuleSet{Type: "Widget"})
	})
}

func TestRegistryDefinition(t *testing.T) {
	r := Builtin()
	rule, ok := r.Definition("Observation", "value-quantity")
	require.True(t, ok)
	assert.Equal(t, schema.KindQuantity, rule.Kind)

	_, ok = r.Definition("Observation", "nope")
	assert.False(t, ok)
}

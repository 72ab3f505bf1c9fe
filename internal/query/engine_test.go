package query

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	recordstore "github.com/openclin/recordstore"
	"github.com/openclin/recordstore/internal/compartment"
	"github.com/openclin/recordstore/internal/db/schema"
	"github.com/openclin/recordstore/internal/index"
	"github.com/openclin/recordstore/internal/refs"
	"github.com/openclin/recordstore/internal/store"
	"github.com/openclin/recordstore/internal/validation"
	"github.com/openclin/recordstore/pkg/document"
)

type testEnv struct {
	store  *store.Store
	engine *Engine
	ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(schema.All()...))

	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := index.Builtin()
	s := store.New(gdb,
		validation.Basic(),
		index.NewIndexer(registry, nil, discard),
		refs.NewExtractor(nil, discard),
		compartment.NewIndexer(nil),
		discard,
	)
	return &testEnv{
		store:  s,
		engine: NewEngine(gdb, registry, discard),
		ctx:    context.Background(),
	}
}

func (env *testEnv) mustCreate(t *testing.T, recordType string, body document.Document) {
	t.Helper()
	_, err := env.store.Create(env.ctx, recordType, body)
	require.NoError(t, err)
}

// seedClinical loads a small cross-referenced data set: three patients,
// observations for two of them, and one condition.
func (env *testEnv) seedClinical(t *testing.T) {
	t.Helper()
	env.mustCreate(t, "Patient", document.Document{
		"resourceType": "Patient", "id": "p1",
		"name":      []any{map[string]any{"family": "Everett", "given": []any{"Alma"}}},
		"gender":    "female",
		"birthDate": "1980-06-01",
	})
	env.mustCreate(t, "Patient", document.Document{
		"resourceType": "Patient", "id": "p2",
		"name":      []any{map[string]any{"family": "Osei", "given": []any{"Kwame"}}},
		"gender":    "male",
		"birthDate": "1975-02-14",
	})
	env.mustCreate(t, "Patient", document.Document{
		"resourceType": "Patient", "id": "p3",
		"name":      []any{map[string]any{"family": "Evans", "given": []any{"Rhian"}}},
		"gender":    "female",
		"birthDate": "1990-11-30",
	})

	env.mustCreate(t, "Observation", document.Document{
		"resourceType": "Observation", "id": "obs-hr-1",
		"status":            "final",
		"code":              map[string]any{"coding": []any{map[string]any{"system": "http://loinc.org", "code": "8867-4"}}},
		"subject":           map[string]any{"reference": "Patient/p1"},
		"effectiveDateTime": "2024-03-15T10:30:00Z",
		"valueQuantity":     map[string]any{"value": 72.0, "unit": "beats/minute"},
	})
	env.mustCreate(t, "Observation", document.Document{
		"resourceType": "Observation", "id": "obs-hr-2",
		"status":            "final",
		"code":              map[string]any{"coding": []any{map[string]any{"system": "http://loinc.org", "code": "8867-4"}}},
		"subject":           map[string]any{"reference": "Patient/p2"},
		"effectiveDateTime": "2024-05-01T08:00:00Z",
		"valueQuantity":     map[string]any{"value": 110.0, "unit": "beats/minute"},
	})
	env.mustCreate(t, "Observation", document.Document{
		"resourceType": "Observation", "id": "obs-bp-1",
		"status":  "final",
		"code":    map[string]any{"coding": []any{map[string]any{"system": "http://loinc.org", "code": "85354-9"}}},
		"subject": map[string]any{"reference": "Patient/p1"},
		"component": []any{
			map[string]any{
				"code":          map[string]any{"coding": []any{map[string]any{"system": "http://loinc.org", "code": "8480-6"}}},
				"valueQuantity": map[string]any{"value": 120.0, "unit": "mmHg"},
			},
			map[string]any{
				"code":          map[string]any{"coding": []any{map[string]any{"system": "http://loinc.org", "code": "8462-4"}}},
				"valueQuantity": map[string]any{"value": 80.0, "unit": "mmHg"},
			},
		},
	})
	env.mustCreate(t, "Condition", document.Document{
		"resourceType": "Condition", "id": "cond-1",
		"code":           map[string]any{"coding": []any{map[string]any{"system": "http://snomed.info/sct", "code": "38341003"}}},
		"clinicalStatus": "active",
		"subject":        map[string]any{"reference": "Patient/p1"},
	})
	env.mustCreate(t, "Condition", document.Document{
		"resourceType": "Condition", "id": "cond-2",
		"code":           map[string]any{"coding": []any{map[string]any{"system": "http://snomed.info/sct", "code": "195967001"}}},
		"clinicalStatus": "resolved",
		"subject":        map[string]any{"reference": "Patient/p2"},
	})
}

func (env *testEnv) search(t *testing.T, recordType, rawQuery string) *Result {
	t.Helper()
	values, err := url.ParseQuery(rawQuery)
	require.NoError(t, err)
	req, err := Parse(recordType, values)
	require.NoError(t, err)
	res, err := env.engine.Search(env.ctx, req)
	require.NoError(t, err)
	return res
}

func matchIDs(res *Result) []string {
	out := make([]string, 0, len(res.Matches))
	for _, m := range res.Matches {
		out = append(out, m.RecordID)
	}
	return out
}

func TestSearchUnknownRecordType(t *testing.T) {
	env := newTestEnv(t)
	req, err := Parse("Widget", url.Values{})
	require.NoError(t, err)
	_, err = env.engine.Search(env.ctx, req)
	assert.ErrorIs(t, err, recordstore.ErrBadRequest)
}

func TestSearchUnknownParameter(t *testing.T) {
	env := newTestEnv(t)
	req, err := Parse("Observation", url.Values{"flavor": []string{"salty"}})
	require.NoError(t, err)
	_, err = env.engine.Search(env.ctx, req)
	assert.ErrorIs(t, err, recordstore.ErrBadRequest)
}

func TestSearchEmptyResultIsNotAnError(t *testing.T) {
	env := newTestEnv(t)
	env.seedClinical(t)
	res := env.search(t, "Observation", "code=http://loinc.org|0000-0")
	assert.Zero(t, res.Total)
	assert.Empty(t, res.Matches)
}

func TestSearchTokenForms(t *testing.T) {
	env := newTestEnv(t)
	env.seedClinical(t)

	res := env.search(t, "Observation", "code=http://loinc.org|8867-4")
	assert.ElementsMatch(t, []string{"obs-hr-1", "obs-hr-2"}, matchIDs(res))
	assert.Equal(t, int64(2), res.Total)

	// Bare code matches regardless of system.
	res = env.search(t, "Observation", "code=85354-9")
	assert.Equal(t, []string{"obs-bp-1"}, matchIDs(res))

	// "system|" matches any code in the system.
	res = env.search(t, "Observation", "code=http://loinc.org|")
	assert.Equal(t, int64(3), res.Total)

	// "|code" requires an empty system; a primitive field like status
	// indexes without one.
	res = env.search(t, "Observation", "status=|final")
	assert.Equal(t, int64(3), res.Total)
}

func TestSearchStringModifiers(t *testing.T) {
	env := newTestEnv(t)
	env.seedClinical(t)

	// Default string matching is a case-insensitive prefix match.
	res := env.search(t, "Patient", "family=ev")
	assert.ElementsMatch(t, []string{"p1", "p3"}, matchIDs(res))

	res = env.search(t, "Patient", "family:contains=SE")
	assert.Equal(t, []string{"p2"}, matchIDs(res))

	res = env.search(t, "Patient", "family:exact=Evans")
	assert.Equal(t, []string{"p3"}, matchIDs(res))
	res = env.search(t, "Patient", "family:exact=evans")
	assert.Empty(t, res.Matches)
}

func TestSearchMultipleConstraintsAreANDed(t *testing.T) {
	env := newTestEnv(t)
	env.seedClinical(t)

	res := env.search(t, "Patient", "family=ev&gender=female")
	assert.ElementsMatch(t, []string{"p1", "p3"}, matchIDs(res))

	res = env.search(t, "Patient", "family=ev&gender=male")
	assert.Empty(t, res.Matches)
}

func TestSearchDateComparators(t *testing.T) {
	env := newTestEnv(t)
	env.seedClinical(t)

	res := env.search(t, "Observation", "date=2024-03-15")
	assert.Equal(t, []string{"obs-hr-1"}, matchIDs(res))

	res = env.search(t, "Observation", "date=ge2024-04-01")
	assert.Equal(t, []string{"obs-hr-2"}, matchIDs(res))

	res = env.search(t, "Observation", "date=lt2024-04-01")
	assert.Equal(t, []string{"obs-hr-1"}, matchIDs(res))

	// gt at day precision excludes the named day itself.
	res = env.search(t, "Observation", "date=gt2024-03-15")
	assert.Equal(t, []string{"obs-hr-2"}, matchIDs(res))

	res = env.search(t, "Observation", "date=2024")
	assert.ElementsMatch(t, []string{"obs-hr-1", "obs-hr-2"}, matchIDs(res))
}

func TestSearchQuantity(t *testing.T) {
	env := newTestEnv(t)
	env.seedClinical(t)

	res := env.search(t, "Observation", "value-quantity=gt100")
	assert.Equal(t, []string{"obs-hr-2"}, matchIDs(res))

	res = env.search(t, "Observation", "value-quantity=le72")
	assert.Equal(t, []string{"obs-hr-1"}, matchIDs(res))

	res = env.search(t, "Observation", "value-quantity=gt100|beats/minute")
	assert.Equal(t, []string{"obs-hr-2"}, matchIDs(res))
	res = env.search(t, "Observation", "value-quantity=gt100|mmHg")
	assert.Empty(t, res.Matches)
}

func TestSearchReference(t *testing.T) {
	env := newTestEnv(t)
	env.seedClinical(t)

	res := env.search(t, "Observation", "subject=Patient/p1")
	assert.ElementsMatch(t, []string{"obs-hr-1", "obs-bp-1"}, matchIDs(res))

	// Bare id form.
	res = env.search(t, "Observation", "patient=p2")
	assert.Equal(t, []string{"obs-hr-2"}, matchIDs(res))
}

func TestSearchCompositeSameElement(t *testing.T) {
	env := newTestEnv(t)
	env.seedClinical(t)

	// Systolic 120 > 100 on the same component: match.
	res := env.search(t, "Observation", "component-code-value-quantity=http://loinc.org|8480-6$gt100")
	assert.Equal(t, []string{"obs-bp-1"}, matchIDs(res))

	// Diastolic is 80; the record-wide pair (8462-4, 120) must not
	// satisfy the composite.
	res = env.search(t, "Observation", "component-code-value-quantity=http://loinc.org|8462-4$gt100")
	assert.Empty(t, res.Matches)

	res = env.search(t, "Observation", "component-code-value-quantity=http://loinc.org|8462-4$le80")
	assert.Equal(t, []string{"obs-bp-1"}, matchIDs(res))
}

func TestSearchMissingModifier(t *testing.T) {
	env := newTestEnv(t)
	env.seedClinical(t)

	// obs-bp-1 has no effectiveDateTime.
	res := env.search(t, "Observation", "date:missing=true")
	assert.Equal(t, []string{"obs-bp-1"}, matchIDs(res))

	res = env.search(t, "Observation", "date:missing=false")
	assert.ElementsMatch(t, []string{"obs-hr-1", "obs-hr-2"}, matchIDs(res))

	req, err := Parse("Observation", url.Values{"date:missing": []string{"maybe"}})
	require.NoError(t, err)
	_, err = env.engine.Search(env.ctx, req)
	assert.ErrorIs(t, err, recordstore.ErrBadRequest)
}

func TestSearchReverseChaining(t *testing.T) {
	env := newTestEnv(t)
	env.seedClinical(t)

	res := env.search(t, "Patient", "_has:Observation:patient:code=8867-4")
	assert.ElementsMatch(t, []string{"p1", "p2"}, matchIDs(res))

	// The resolved condition on p2 must not leak through.
	res = env.search(t, "Patient", "_has:Condition:patient:clinical-status=active")
	assert.Equal(t, []string{"p1"}, matchIDs(res))

	// Intersection across clauses.
	res = env.search(t, "Patient", "_has:Observation:patient:code=8867-4&_has:Condition:patient:clinical-status=active")
	assert.Equal(t, []string{"p1"}, matchIDs(res))

	// An empty clause short-circuits.
	res = env.search(t, "Patient", "_has:Observation:patient:code=0000-0")
	assert.Zero(t, res.Total)
	assert.Empty(t, res.Matches)

	// Combined with a direct constraint on the target type.
	res = env.search(t, "Patient", "gender=male&_has:Observation:patient:code=8867-4")
	assert.Equal(t, []string{"p2"}, matchIDs(res))
}

func TestSearchInclude(t *testing.T) {
	env := newTestEnv(t)
	env.seedClinical(t)

	res := env.search(t, "Observation", "subject=Patient/p1&_include=Observation:subject")
	assert.Equal(t, int64(2), res.Total)
	// Both matches point at the same patient: bundled once.
	require.Len(t, res.Includes, 1)
	assert.Equal(t, "Patient", res.Includes[0].RecordType)
	assert.Equal(t, "p1", res.Includes[0].RecordID)
}

func TestSearchRevInclude(t *testing.T) {
	env := newTestEnv(t)
	env.seedClinical(t)

	res := env.search(t, "Patient", "family:exact=Everett&_revinclude=Observation:patient&_revinclude=Condition:patient")
	assert.Equal(t, []string{"p1"}, matchIDs(res))

	var included []string
	for _, inc := range res.Includes {
		included = append(included, inc.RecordType+"/"+inc.RecordID)
	}
	assert.ElementsMatch(t,
		[]string{"Observation/obs-hr-1", "Observation/obs-bp-1", "Condition/cond-1"},
		included)
}

func TestSearchIncludeDeduplicatedAcrossDirectives(t *testing.T) {
	env := newTestEnv(t)
	env.seedClinical(t)

	res := env.search(t, "Observation", "subject=Patient/p1&_include=Observation:subject&_include=Observation:patient")
	require.Len(t, res.Includes, 1)
	assert.Equal(t, "p1", res.Includes[0].RecordID)
}

func TestSearchExcludesSoftDeleted(t *testing.T) {
	env := newTestEnv(t)
	env.seedClinical(t)
	require.NoError(t, env.store.SoftDelete(env.ctx, "Observation", "obs-hr-2"))

	res := env.search(t, "Observation", "code=http://loinc.org|8867-4")
	assert.Equal(t, []string{"obs-hr-1"}, matchIDs(res))
	assert.Equal(t, int64(1), res.Total)
}

func TestSearchPagination(t *testing.T) {
	env := newTestEnv(t)
	env.seedClinical(t)

	res := env.search(t, "Observation", "_sort=_id&_count=2")
	assert.Equal(t, int64(3), res.Total)
	assert.Equal(t, []string{"obs-bp-1", "obs-hr-1"}, matchIDs(res))

	res = env.search(t, "Observation", "_sort=_id&_count=2&_offset=2")
	assert.Equal(t, int64(3), res.Total)
	assert.Equal(t, []string{"obs-hr-2"}, matchIDs(res))

	// Past the end: empty page, same total.
	res = env.search(t, "Observation", "_sort=_id&_count=2&_offset=10")
	assert.Equal(t, int64(3), res.Total)
	assert.Empty(t, res.Matches)
}

func TestSearchDefaultsPageBoundsWithoutParse(t *testing.T) {
	env := newTestEnv(t)
	env.seedClinical(t)

	// A zero-valued Request built directly must still return a page.
	res, err := env.engine.Search(env.ctx, &Request{RecordType: "Observation"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Total)
	assert.Len(t, res.Matches, 3)

	res, err = env.engine.Search(env.ctx, &Request{RecordType: "Observation", Offset: -5, Count: -1})
	require.NoError(t, err)
	assert.Len(t, res.Matches, 3)
}

func TestParseRejectsMalformedControls(t *testing.T) {
	for _, raw := range []string{
		"_count=abc",
		"_offset=-1x",
		"_unknown=1",
		"_include=subject",
		"_has:Observation:patient:_has:Encounter:patient:status=x",
		"_has:Observation=x",
	} {
		values, err := url.ParseQuery(raw)
		require.NoError(t, err, raw)
		_, err = Parse("Patient", values)
		assert.ErrorIs(t, err, recordstore.ErrBadRequest, raw)
	}
}

func TestParseCountClamping(t *testing.T) {
	req, err := Parse("Patient", url.Values{"_count": []string{"5000"}})
	require.NoError(t, err)
	assert.Equal(t, 1000, req.Count)

	req, err = Parse("Patient", url.Values{})
	require.NoError(t, err)
	assert.Equal(t, 50, req.Count)
}

func TestSearchInvalidSort(t *testing.T) {
	env := newTestEnv(t)
	req, err := Parse("Patient", url.Values{"_sort": []string{"name"}})
	require.NoError(t, err)
	_, err = env.engine.Search(env.ctx, req)
	assert.ErrorIs(t, err, recordstore.ErrBadRequest)
}

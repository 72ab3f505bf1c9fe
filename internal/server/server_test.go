package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/openclin/recordstore/internal/compartment"
	"github.com/openclin/recordstore/internal/db/schema"
	"github.com/openclin/recordstore/internal/index"
	"github.com/openclin/recordstore/internal/jobs"
	"github.com/openclin/recordstore/internal/query"
	"github.com/openclin/recordstore/internal/refs"
	"github.com/openclin/recordstore/internal/store"
	"github.com/openclin/recordstore/internal/validation"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(schema.All()...))

	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := index.Builtin()
	compartments := compartment.NewIndexer(nil)
	records := store.New(gdb,
		validation.Basic(),
		index.NewIndexer(registry, nil, discard),
		refs.NewExtractor(nil, discard),
		compartments,
		discard,
	)
	engine := query.NewEngine(gdb, registry, discard)
	srv := New(records, engine, compartments, jobs.NewStore(gdb), discard)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp, decoded
}

func patientBody(id string) map[string]any {
	return map[string]any{
		"resourceType": "Patient",
		"id":           id,
		"name":         []any{map[string]any{"family": "Everett"}},
		"gender":       "female",
	}
}

func TestRecordLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/records/Patient", patientBody("p1"), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(1), body["version"])

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/records/Patient/p1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "p1", body["recordId"])

	resp, body = doJSON(t, http.MethodPut, ts.URL+"/records/Patient/p1", patientBody("p1"), map[string]string{"If-Match": "1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["version"])

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/records/Patient/p1", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/records/Patient/p1", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// History survives the delete.
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/records/Patient/p1/_history", nil)
	require.NoError(t, err)
	histResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer histResp.Body.Close()
	require.Equal(t, http.StatusOK, histResp.StatusCode)
	var entries []map[string]any
	require.NoError(t, json.NewDecoder(histResp.Body).Decode(&entries))
	assert.Len(t, entries, 3)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/records/Patient/p1/_history/1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["version"])
}

func TestErrorStatusMapping(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/records/Patient", patientBody("p1"), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Duplicate id.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/records/Patient", patientBody("p1"), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Stale If-Match.
	resp, _ = doJSON(t, http.MethodPut, ts.URL+"/records/Patient/p1", patientBody("p1"), map[string]string{"If-Match": "9"})
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)

	// Declared type mismatch fails validation with issues attached.
	invalid := patientBody("p2")
	invalid["resourceType"] = "Observation"
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/records/Patient", invalid, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.NotEmpty(t, body["issues"])

	// Unknown search parameter.
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/records/Patient/?flavor=salty", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/records/Patient/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSearchEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/records/Patient", patientBody("p1"), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	obs := map[string]any{
		"resourceType": "Observation",
		"id":           "obs-1",
		"status":       "final",
		"code":         map[string]any{"coding": []any{map[string]any{"system": "http://loinc.org", "code": "8867-4"}}},
		"subject":      map[string]any{"reference": "Patient/p1"},
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/records/Observation", obs, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet,
		ts.URL+"/records/Observation/?code=http://loinc.org|8867-4&_include=Observation:subject", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])
	matches := body["matches"].([]any)
	require.Len(t, matches, 1)
	includes := body["includes"].([]any)
	require.Len(t, includes, 1)
	assert.Equal(t, "p1", includes[0].(map[string]any)["recordId"])
}

func TestCompartmentEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/records/Observation", map[string]any{
		"resourceType": "Observation",
		"id":           "obs-1",
		"status":       "final",
		"subject":      map[string]any{"reference": "Patient/p1"},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/compartments/Patient/p1", nil)
	require.NoError(t, err)
	cresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer cresp.Body.Close()
	require.Equal(t, http.StatusOK, cresp.StatusCode)
	var members []map[string]any
	require.NoError(t, json.NewDecoder(cresp.Body).Decode(&members))
	require.Len(t, members, 1)
	assert.Equal(t, "Observation", members[0]["MemberType"])
}

func TestMaintenanceJobEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/maintenance/jobs", map[string]any{
		"kind":  "compartment-rebuild",
		"scope": "Observation",
	}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := body["ID"].(string)
	require.NotEmpty(t, jobID)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/maintenance/jobs/"+jobID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "queued", body["State"])

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/maintenance/jobs", map[string]any{"kind": "mystery"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/maintenance/jobs/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

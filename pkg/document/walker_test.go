package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalkVisitsInStableOrder(t *testing.T) {
	doc := Document{
		"name": []any{
			map[string]any{"family": "Chalmers", "given": []any{"Peter", "James"}},
		},
		"active": true,
	}

	var paths []string
	err := Walk(doc, func(wc *WalkContext) error {
		paths = append(paths, wc.IndexedPath)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"active",
		"name[0]",
		"name[0].family",
		"name[0].given[0]",
		"name[0].given[1]",
	}, paths)

	// A second walk sees the same sequence.
	var again []string
	require.NoError(t, Walk(doc, func(wc *WalkContext) error {
		again = append(again, wc.IndexedPath)
		return nil
	}))
	assert.Equal(t, paths, again)
}

func TestWalkPathOmitsArrayIndexes(t *testing.T) {
	doc := Document{
		"code": map[string]any{
			"coding": []any{
				map[string]any{"system": "http://loinc.org", "code": "1234-5"},
			},
		},
	}

	got := map[string]string{}
	require.NoError(t, Walk(doc, func(wc *WalkContext) error {
		got[wc.IndexedPath] = wc.Path
		return nil
	}))

	assert.Equal(t, "code.coding", got["code.coding[0]"])
	assert.Equal(t, "code.coding.system", got["code.coding[0].system"])
}

func TestGet(t *testing.T) {
	doc := Document{
		"period": map[string]any{"start": "2024-01-01"},
		"name":   []any{map[string]any{"family": "Chalmers"}},
	}

	v, ok := Get(doc, "period.start")
	require.True(t, ok)
	assert.Equal(t, "2024-01-01", v)

	// Descends through the first array element.
	v, ok = Get(doc, "name.family")
	require.True(t, ok)
	assert.Equal(t, "Chalmers", v)

	_, ok = Get(doc, "period.end")
	assert.False(t, ok)
}

func TestNormalizeStripsVolatileFields(t *testing.T) {
	doc := Document{
		"id":       "abc",
		"meta":     map[string]any{"versionId": "3"},
		"language": "en",
		"status":   "final",
	}

	norm := Normalize(doc)
	assert.Equal(t, Document{"status": "final"}, norm)

	// Input untouched.
	assert.Contains(t, doc, "id")
}

func TestHashIgnoresVolatileFieldsAndKeyOrder(t *testing.T) {
	a := Document{"id": "1", "status": "final", "code": map[string]any{"text": "bp"}}
	b := Document{"code": map[string]any{"text": "bp"}, "status": "final", "id": "2"}
	c := Document{"status": "amended", "code": map[string]any{"text": "bp"}}

	assert.Equal(t, Hash(a), Hash(b))
	assert.NotEqual(t, Hash(a), Hash(c))
}

package recipes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSearchBody(t *testing.T) {
	t.Run("no filters", func(t *testing.T) {
		body := buildSearchBody(Query{})
		assert.Equal(t, DefaultFetchLimit, body["size"])

		query := body["query"].(map[string]interface{})["bool"].(map[string]interface{})
		assert.Empty(t, query)
	})

	t.Run("category and exclusions", func(t *testing.T) {
		body := buildSearchBody(Query{Category: "dinner", Excluded: []string{"milk", "egg"}, Limit: 12})
		assert.Equal(t, 12, body["size"])

		data, err := json.Marshal(body)
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"size": 12,
			"query": {"bool": {
				"filter": [{"term": {"category": "dinner"}}],
				"must_not": [
					{"wildcard": {"ingredients.name": {"value": "*milk*", "case_insensitive": true}}},
					{"wildcard": {"ingredients.name": {"value": "*egg*", "case_insensitive": true}}}
				]
			}}
		}`, string(data))
	})
}

func TestOpenSearchCatalog_Search(t *testing.T) {
	var gotPath, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"hits":{"hits":[
			{"_id":"doc-1","_source":{"title":"Egg muffins","category":"breakfast","macros":{"carbs":2}}},
			{"_id":"doc-2","_source":{"id":"r-2","title":"Tuna salad","category":"lunch"}},
			{"_id":"doc-3","_source":"not an object"}
		]}}`)
	}))
	defer server.Close()

	catalog, err := NewOpenSearchCatalog(OpenSearchConfig{URL: server.URL, Index: "test-recipes"})
	require.NoError(t, err)

	recipes, err := catalog.Search(context.Background(), Query{Category: "breakfast", Limit: 5})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(gotPath, "/test-recipes/_search"))
	assert.Contains(t, gotBody, `"category":"breakfast"`)

	require.Len(t, recipes, 2)
	assert.Equal(t, "doc-1", recipes[0].ID)
	assert.Equal(t, 2.0, recipes[0].Macros.Carbs)
	assert.Equal(t, "r-2", recipes[1].ID)
}

func TestOpenSearchCatalog_SearchError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":"boom"}`)
	}))
	defer server.Close()

	catalog, err := NewOpenSearchCatalog(OpenSearchConfig{URL: server.URL})
	require.NoError(t, err)

	_, err = catalog.Search(context.Background(), Query{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opensearch error")
}

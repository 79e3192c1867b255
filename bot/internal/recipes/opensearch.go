package recipes

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/ketobot/ketobot-stack/bot/internal/models"
)

const DefaultIndex = "ketobot-recipes"

type OpenSearchConfig struct {
	URL      string
	Username string
	Password string
	Insecure bool
	Index    string
}

// OpenSearchCatalog searches recipe documents stored in an OpenSearch index.
type OpenSearchCatalog struct {
	client *opensearch.Client
	index  string
}

func NewOpenSearchCatalog(cfg OpenSearchConfig) (*OpenSearchCatalog, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.Insecure, //nolint:gosec // opt-in for local clusters
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	index := cfg.Index
	if index == "" {
		index = DefaultIndex
	}
	return &OpenSearchCatalog{client: client, index: index}, nil
}

// Ping checks that the cluster answers.
func (c *OpenSearchCatalog) Ping(ctx context.Context) error {
	res, err := c.client.Info(c.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("opensearch returned error: %s", res.Status())
	}
	return nil
}

func (c *OpenSearchCatalog) Search(ctx context.Context, q Query) ([]models.Recipe, error) {
	bodyBytes, err := json.Marshal(buildSearchBody(q))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search body: %w", err)
	}

	res, err := c.client.Search(
		c.client.Search.WithContext(ctx),
		c.client.Search.WithIndex(c.index),
		c.client.Search.WithBody(bytes.NewReader(bodyBytes)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search recipes: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("opensearch error: %s - %s", res.Status(), string(body))
	}

	var searchResult struct {
		Hits struct {
			Hits []struct {
				ID     string          `json:"_id"`
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&searchResult); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	recipes := make([]models.Recipe, 0, len(searchResult.Hits.Hits))
	for _, hit := range searchResult.Hits.Hits {
		var r models.Recipe
		if err := json.Unmarshal(hit.Source, &r); err != nil {
			// Skip malformed documents
			continue
		}
		if r.ID == "" {
			r.ID = hit.ID
		}
		recipes = append(recipes, r)
	}
	return recipes, nil
}

// buildSearchBody filters by category and rejects any recipe with an
// ingredient name containing an excluded stem.
func buildSearchBody(q Query) map[string]interface{} {
	boolQuery := map[string]interface{}{}

	if q.Category != "" {
		boolQuery["filter"] = []map[string]interface{}{
			{"term": map[string]string{"category": q.Category}},
		}
	}

	if len(q.Excluded) > 0 {
		mustNot := make([]map[string]interface{}, 0, len(q.Excluded))
		for _, stem := range q.Excluded {
			mustNot = append(mustNot, map[string]interface{}{
				"wildcard": map[string]interface{}{
					"ingredients.name": map[string]interface{}{
						"value":            "*" + stem + "*",
						"case_insensitive": true,
					},
				},
			})
		}
		boolQuery["must_not"] = mustNot
	}

	size := q.Limit
	if size <= 0 {
		size = DefaultFetchLimit
	}

	return map[string]interface{}{
		"size":  size,
		"query": map[string]interface{}{"bool": boolQuery},
	}
}

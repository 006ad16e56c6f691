package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lexrag/retrievald/internal/tracing"
)

// ScrollByDocument retrieves the stored chunks of a document without a query
// vector, using the Qdrant scroll API. Used by the admin surface to inspect
// what ingestion produced.
func (c *Client) ScrollByDocument(ctx context.Context, docID string, limit int) ([]Point, error) {
	if c == nil || !c.cfg.Enabled {
		return nil, fmt.Errorf("vectordb: scroll called while disabled")
	}
	if limit <= 0 {
		limit = 100
	}
	url := fmt.Sprintf("%s/collections/%s/points/scroll", c.base, c.cfg.DocumentChunks)

	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	f := (&Filter{}).Match("document_id", docID)
	body := map[string]interface{}{
		"limit":        limit,
		"with_payload": true,
		"filter":       f.toQdrant(),
	}
	buf, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)
	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("qdrant scroll status %d", resp.StatusCode)
	}
	var r struct {
		Result struct {
			Points []qdrantPoint `json:"points"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, err
	}
	return toPoints(r.Result.Points), nil
}

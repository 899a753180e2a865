package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type renderRequest struct {
	RecordID  uuid.UUID `json:"record_id"`
	TimeoutMS int64     `json:"timeout_ms"`
	Snapshot  Snapshot  `json:"snapshot"`
}

// HTTPGateway posts snapshots to an external rendering service and expects
// {"document_url": "..."} back.
type HTTPGateway struct {
	url    string
	client *http.Client
}

func NewHTTPGateway(url string, client *http.Client) *HTTPGateway {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPGateway{url: url, client: client}
}

func (g *HTTPGateway) Render(ctx context.Context, recordID uuid.UUID, snap Snapshot, timeout time.Duration) (*Document, error) {
	body, err := json.Marshal(renderRequest{RecordID: recordID, TimeoutMS: timeout.Milliseconds(), Snapshot: snap})
	if err != nil {
		return nil, fmt.Errorf("encode render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", g.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: renderer returned %d: %s", ErrUnavailable, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode render response: %w", err)
	}
	return &doc, nil
}

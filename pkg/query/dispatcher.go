package query

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

// scrapeRequest is the body posted to the scrape service. RequestID lets the
// service deduplicate retried dispatches for the same page.
type scrapeRequest struct {
	URL       string `json:"url"`
	Key       string `json:"key"`
	RequestID string `json:"request_id"`
}

// HTTPDispatcher posts scrape requests to the scrape service.
type HTTPDispatcher struct {
	endpoint string
	client   *http.Client
}

// NewHTTPDispatcher creates a dispatcher posting to endpoint. timeout bounds
// each request end to end.
func NewHTTPDispatcher(endpoint string, timeout time.Duration) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDispatcher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, pageURL, key string) error {
	body, err := json.Marshal(scrapeRequest{
		URL:       pageURL,
		Key:       key,
		RequestID: uuid.NewString(),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch scrape for %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("dispatch scrape for %s: status %d", pageURL, resp.StatusCode)
	}
	return nil
}

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Lllllllleong/medbillflow/internal/models"
)

// HTTPDispatcher posts stage requests to <baseURL>/stages/<stage>. The receiving
// server acknowledges before running the stage.
type HTTPDispatcher struct {
	baseURL string
	client  *http.Client
}

func NewHTTPDispatcher(baseURL string) *HTTPDispatcher {
	return &HTTPDispatcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, stage string, req models.StageRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal stage request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/stages/"+stage, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build stage request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to post stage request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("stage %s rejected request: %s", stage, resp.Status)
	}
	return nil
}

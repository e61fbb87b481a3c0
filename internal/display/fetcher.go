package display

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"qms/patient-queue/internal/models"
	"qms/patient-queue/internal/store"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPFetcher reads the active call from a running queue service.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

func NewHTTPFetcher(baseURL string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (f *HTTPFetcher) ActiveCall(ctx context.Context, sp models.ServicePoint, counter int) (models.ActiveCall, bool, error) {
	endpoint := fmt.Sprintf("%s/api/service-points/%s/counters/%d", f.baseURL, url.PathEscape(string(sp)), counter)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.ActiveCall{}, false, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return models.ActiveCall{}, false, store.Unavailable(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return models.ActiveCall{}, false, nil
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout, http.StatusTooManyRequests:
		return models.ActiveCall{}, false, store.Unavailable(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return models.ActiveCall{}, false, fmt.Errorf("active call: unexpected status %d", resp.StatusCode)
	}

	var call models.ActiveCall
	if err := json.NewDecoder(resp.Body).Decode(&call); err != nil {
		return models.ActiveCall{}, false, store.Unavailable(fmt.Errorf("decode active call: %w", err))
	}
	return call, true, nil
}

package metrics

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/fleetroute/fleetroute/domain/entity"
)

// Source supplies one aggregate load observation per call. Implementations
// must honor the context deadline.
type Source interface {
	Sample(ctx context.Context) (entity.MetricSample, error)
}

// HTTPSource polls an external system-metrics endpoint returning the sample
// fields as JSON.
type HTTPSource struct {
	url    string
	client *http.Client
}

// NewHTTPSource creates a source for the given endpoint URL.
func NewHTTPSource(url string) *HTTPSource {
	return &HTTPSource{url: url, client: &http.Client{}}
}

// Sample fetches and decodes one observation.
func (s *HTTPSource) Sample(ctx context.Context) (entity.MetricSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return entity.MetricSample{}, errors.Wrap(err, "build metrics request")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return entity.MetricSample{}, errors.Wrap(err, "poll metrics source")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return entity.MetricSample{}, errors.Errorf("metrics source returned status %d", resp.StatusCode)
	}

	var sample entity.MetricSample
	if err := json.NewDecoder(resp.Body).Decode(&sample); err != nil {
		return entity.MetricSample{}, errors.Wrap(err, "decode metrics payload")
	}
	return sample, nil
}

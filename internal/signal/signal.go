// Package signal supplies the error-rate readings sampled during canary holds.
package signal

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrorRateSource reports the fraction of failed requests served by a workload
type ErrorRateSource interface {
	ErrorRate(ctx context.Context, env, service, workload string) (float64, error)
}

// DefaultQuery divides 5xx responses by all responses for the workload over the last minute
const DefaultQuery = `sum(rate(http_requests_total{namespace="{{env}}",service="{{service}}",workload="{{workload}}",code=~"5.."}[1m])) / sum(rate(http_requests_total{namespace="{{env}}",service="{{service}}",workload="{{workload}}"}[1m]))`

// Prometheus evaluates an instant query against a Prometheus server
type Prometheus struct {
	api    promv1.API
	query  string
	logger zerolog.Logger
}

// NewPrometheus creates a Prometheus-backed source. The query may reference
// {{env}}, {{service}} and {{workload}}.
func NewPrometheus(address, query string, logger zerolog.Logger) (*Prometheus, error) {
	client, err := api.NewClient(api.Config{
		Address:      address,
		RoundTripper: otelhttp.NewTransport(api.DefaultRoundTripper),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	if query == "" {
		query = DefaultQuery
	}
	return &Prometheus{
		api:    promv1.NewAPI(client),
		query:  query,
		logger: logger.With().Str("component", "signal").Logger(),
	}, nil
}

func (p *Prometheus) ErrorRate(ctx context.Context, env, service, workload string) (float64, error) {
	q := strings.NewReplacer("{{env}}", env, "{{service}}", service, "{{workload}}", workload).Replace(p.query)

	value, warnings, err := p.api.Query(ctx, q, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to query error rate: %w", err)
	}
	for _, w := range warnings {
		p.logger.Warn().Str("warning", w).Msg("Prometheus query warning")
	}

	vector, ok := value.(model.Vector)
	if !ok {
		return 0, fmt.Errorf("unexpected result type %s", value.Type())
	}
	if len(vector) == 0 {
		// no traffic yet
		return 0, nil
	}

	rate := float64(vector[0].Value)
	if math.IsNaN(rate) {
		// 0/0 when the workload served nothing
		return 0, nil
	}
	return rate, nil
}

// Static returns configured rates, for local runs and tests
type Static struct {
	mu    sync.Mutex
	rates map[string]float64
	calls map[string]int
	// Sequence, when set, is consumed one value per call before falling back to rates
	sequence []float64
}

// NewStatic creates a source that reports 0 unless told otherwise
func NewStatic() *Static {
	return &Static{rates: make(map[string]float64), calls: make(map[string]int)}
}

// Set fixes the error rate reported for a workload
func (s *Static) Set(workload string, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[workload] = rate
}

// Sequence queues rates returned in order, regardless of workload
func (s *Static) Sequence(rates ...float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequence = append(s.sequence, rates...)
}

// Calls returns how many samples were taken for a workload
func (s *Static) Calls(workload string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[workload]
}

func (s *Static) ErrorRate(ctx context.Context, env, service, workload string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[workload]++
	if len(s.sequence) > 0 {
		r := s.sequence[0]
		s.sequence = s.sequence[1:]
		return r, nil
	}
	return s.rates[workload], nil
}

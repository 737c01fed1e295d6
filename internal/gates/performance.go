package gates

import (
	"context"
	"errors"
	"net/http"
	"time"

	vegeta "github.com/tsenart/vegeta/v12/lib"
)

const (
	defaultLoadRate     = 10
	defaultLoadDuration = 30 * time.Second
)

// Performance drives load at the target and checks p95 latency and error rate
type Performance struct {
	// Timeout bounds each request
	Timeout time.Duration
}

func (p *Performance) Check(ctx context.Context, in Input) (Outcome, error) {
	c := in.Gate.Criteria
	url := in.Expand(c.TargetURL)
	if url == "" {
		return Outcome{}, errors.New("criteria.target_url is required")
	}
	rate := c.Rate
	if rate <= 0 {
		rate = defaultLoadRate
	}
	duration := c.Duration
	if duration <= 0 {
		duration = defaultLoadDuration
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	targeter := vegeta.NewStaticTargeter(vegeta.Target{Method: http.MethodGet, URL: url})
	attacker := vegeta.NewAttacker(vegeta.Timeout(timeout))

	var metrics vegeta.Metrics
	results := attacker.Attack(targeter, vegeta.Rate{Freq: rate, Per: time.Second}, duration, in.Gate.Name)
loop:
	for {
		select {
		case <-ctx.Done():
			attacker.Stop()
			for range results {
			}
			return Outcome{}, ctx.Err()
		case res, ok := <-results:
			if !ok {
				break loop
			}
			metrics.Add(res)
		}
	}
	metrics.Close()

	errRate := 1 - metrics.Success
	p95 := metrics.Latencies.P95

	if c.MaxP95Latency > 0 && p95 > c.MaxP95Latency {
		return failed("p95 latency %s exceeds %s over %d requests", p95, c.MaxP95Latency, metrics.Requests), nil
	}
	if errRate > c.MaxErrorRate {
		return failed("error rate %.3f exceeds %.3f over %d requests", errRate, c.MaxErrorRate, metrics.Requests), nil
	}
	return passed("p95 %s, error rate %.3f over %d requests", p95, errRate, metrics.Requests), nil
}

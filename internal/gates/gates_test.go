package gates

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alvesdmateus/release-gate/internal/clock"
	"github.com/alvesdmateus/release-gate/internal/health"
	"github.com/alvesdmateus/release-gate/internal/registry"
	"github.com/alvesdmateus/release-gate/internal/scanner"
	"github.com/alvesdmateus/release-gate/internal/strategy"
	"github.com/alvesdmateus/release-gate/internal/workload"
	"github.com/alvesdmateus/release-gate/pkg/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testEnv() models.Environment {
	return models.Environment{
		Name:    "staging",
		Enabled: true,
		ResourceProfile: models.ResourceProfile{
			Image:       "registry.example.com/checkout",
			Replicas:    3,
			HealthCheck: models.HealthCheckProfile{Interval: 10 * time.Second, Timeout: 60 * time.Second},
		},
	}
}

func testInput(gate models.Gate, strat models.Strategy, version string) Input {
	return Input{
		Run: &models.DeploymentRun{
			DeploymentID: "run-1",
			Environment:  "staging",
			ServiceName:  "checkout",
			Version:      version,
			Strategy:     strat,
		},
		Environment: testEnv(),
		Gate:        gate,
	}
}

func TestInput_Expand(t *testing.T) {
	in := testInput(models.Gate{}, models.StrategyRolling, "v2")
	assert.Equal(t, "http://checkout.staging/v2/health", in.Expand("http://{{service}}.{{environment}}/{{version}}/health"))
	assert.Equal(t, "registry.example.com/checkout:v2", in.Image())
}

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry()
	r.Register(models.GateTypeTests, Coverage{})
	assert.Equal(t, []string{models.GateTypeTests}, r.Types())

	env := testEnv()
	env.Gates = []models.Gate{
		{Name: "unit", Kind: models.GateKindAutomated, Type: models.GateTypeTests},
		{Name: "signoff", Kind: models.GateKindManual, Type: models.GateTypeApproval, Timeout: time.Hour},
	}
	require.NoError(t, r.Validate(env))

	tests := []struct {
		name string
		gate models.Gate
	}{
		{"unknown type", models.Gate{Name: "load", Kind: models.GateKindAutomated, Type: models.GateTypePerformance}},
		{"manual without timeout", models.Gate{Name: "cab", Kind: models.GateKindManual}},
		{"duplicate name", models.Gate{Name: "unit", Type: models.GateTypeTests}},
		{"unnamed", models.Gate{Type: models.GateTypeTests}},
		{"unknown kind", models.Gate{Name: "x", Kind: "robotic", Type: models.GateTypeTests}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := testEnv()
			bad.Gates = append(append([]models.Gate{}, env.Gates...), tt.gate)
			var verr models.ValidationError
			assert.ErrorAs(t, r.Validate(bad), &verr)
		})
	}
}

func TestArtifact(t *testing.T) {
	reg := registry.NewStatic()
	reg.Publish("registry.example.com/checkout:v2")
	gate := &Artifact{Registry: reg}

	out, err := gate.Check(context.Background(), testInput(models.Gate{Name: "artifact"}, models.StrategyRolling, "v2"))
	require.NoError(t, err)
	assert.True(t, out.Passed)

	out, err = gate.Check(context.Background(), testInput(models.Gate{Name: "artifact"}, models.StrategyRolling, "v3"))
	require.NoError(t, err)
	assert.False(t, out.Passed)
	assert.Contains(t, out.Message, "checkout:v3")
}

func writeProfile(t *testing.T) string {
	t.Helper()
	profile := `mode: set
example.com/checkout/cart.go:10.2,12.16 3 1
example.com/checkout/cart.go:12.16,14.3 1 0
example.com/checkout/cart.go:16.2,20.10 4 1
example.com/checkout/pay.go:5.2,9.3 2 0
`
	path := filepath.Join(t.TempDir(), "cover.out")
	require.NoError(t, os.WriteFile(path, []byte(profile), 0o644))
	return path
}

func TestCoverage(t *testing.T) {
	path := writeProfile(t)

	tests := []struct {
		name   string
		min    float64
		passed bool
	}{
		{"above minimum", 60, true},
		{"exactly at minimum", 70, true},
		{"below minimum", 80, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := models.Gate{Name: "unit", Criteria: models.SuccessCriteria{CoverProfile: path, MinCoverage: tt.min}}
			out, err := Coverage{}.Check(context.Background(), testInput(gate, models.StrategyRolling, "v2"))
			require.NoError(t, err)
			assert.Equal(t, tt.passed, out.Passed, out.Message)
			assert.Contains(t, out.Message, "70.0%")
		})
	}
}

func TestCoverage_Errors(t *testing.T) {
	_, err := Coverage{}.Check(context.Background(), testInput(models.Gate{Name: "unit"}, models.StrategyRolling, "v2"))
	assert.Error(t, err)

	gate := models.Gate{Name: "unit", Criteria: models.SuccessCriteria{CoverProfile: filepath.Join(t.TempDir(), "missing.out")}}
	_, err = Coverage{}.Check(context.Background(), testInput(gate, models.StrategyRolling, "v2"))
	assert.Error(t, err)
}

func TestPercent_Empty(t *testing.T) {
	assert.Equal(t, 0.0, Percent(nil))
}

func TestSecurity(t *testing.T) {
	scan := &scanner.Static{Reports: map[string]scanner.Counts{
		"registry.example.com/checkout:v2": {Critical: 0, High: 2},
		"registry.example.com/checkout:v3": {Critical: 1},
	}}
	gate := &Security{Scanner: scan}
	criteria := models.SuccessCriteria{MaxCritical: 0, MaxHigh: 2}

	out, err := gate.Check(context.Background(), testInput(models.Gate{Name: "scan", Criteria: criteria}, models.StrategyRolling, "v2"))
	require.NoError(t, err)
	assert.True(t, out.Passed)

	out, err = gate.Check(context.Background(), testInput(models.Gate{Name: "scan", Criteria: criteria}, models.StrategyRolling, "v3"))
	require.NoError(t, err)
	assert.False(t, out.Passed)
	assert.Contains(t, out.Message, "critical")

	scan.Err = scanner.ErrUnavailable
	_, err = gate.Check(context.Background(), testInput(models.Gate{Name: "scan", Criteria: criteria}, models.StrategyRolling, "v2"))
	assert.ErrorIs(t, err, scanner.ErrUnavailable)
}

func perfGate(url string) models.Gate {
	return models.Gate{
		Name: "load",
		Type: models.GateTypePerformance,
		Criteria: models.SuccessCriteria{
			TargetURL:     url,
			Rate:          50,
			Duration:      200 * time.Millisecond,
			MaxP95Latency: 2 * time.Second,
			MaxErrorRate:  0.01,
		},
	}
}

func TestPerformance_Passes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	out, err := (&Performance{}).Check(context.Background(), testInput(perfGate(srv.URL), models.StrategyRolling, "v2"))
	require.NoError(t, err)
	assert.True(t, out.Passed, out.Message)
}

func TestPerformance_ErrorRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	out, err := (&Performance{}).Check(context.Background(), testInput(perfGate(srv.URL), models.StrategyRolling, "v2"))
	require.NoError(t, err)
	assert.False(t, out.Passed)
	assert.Contains(t, out.Message, "error rate")
}

func TestPerformance_Latency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(30 * time.Millisecond)
	}))
	defer srv.Close()

	gate := perfGate(srv.URL)
	gate.Criteria.MaxP95Latency = time.Millisecond
	out, err := (&Performance{}).Check(context.Background(), testInput(gate, models.StrategyRolling, "v2"))
	require.NoError(t, err)
	assert.False(t, out.Passed)
	assert.Contains(t, out.Message, "p95")
}

func TestPerformance_RequiresTarget(t *testing.T) {
	_, err := (&Performance{}).Check(context.Background(), testInput(perfGate(""), models.StrategyRolling, "v2"))
	assert.Error(t, err)
}

func TestPerformance_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	gate := perfGate(srv.URL)
	gate.Criteria.Duration = time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := (&Performance{}).Check(ctx, testInput(gate, models.StrategyRolling, "v2"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

type rolloutFixture struct {
	orch    *workload.Memory
	engine  *strategy.Engine
	checker *health.Checker
}

func newRolloutFixture() *rolloutFixture {
	c := clock.NewStepping(epoch)
	orch := workload.NewMemory()
	checker := health.NewChecker(c, zerolog.Nop())
	orch.Seed("staging", workload.Spec{
		Name:     "checkout-blue",
		Service:  "checkout",
		Image:    "registry.example.com/checkout:v1",
		Version:  "v1",
		Replicas: 3,
	})
	return &rolloutFixture{
		orch:    orch,
		engine:  strategy.NewEngine(orch, checker, c, nil, zerolog.Nop()),
		checker: checker,
	}
}

func TestDeploy_Succeeds(t *testing.T) {
	f := newRolloutFixture()
	gate := &Deploy{Engine: f.engine}

	out, err := gate.Check(context.Background(), testInput(models.Gate{Name: "deploy"}, models.StrategyBlueGreen, "v2"))
	require.NoError(t, err)
	assert.True(t, out.Passed, out.Message)
	require.NotNil(t, out.Strategy)
	assert.True(t, out.Strategy.TrafficCommitted)

	active, err := f.orch.ActiveWorkload(context.Background(), "staging", "checkout")
	require.NoError(t, err)
	assert.Equal(t, "checkout-green", active)
}

func TestDeploy_Fails(t *testing.T) {
	f := newRolloutFixture()
	f.orch.FailVersion("v2")
	gate := &Deploy{Engine: f.engine}

	out, err := gate.Check(context.Background(), testInput(models.Gate{Name: "deploy"}, models.StrategyBlueGreen, "v2"))
	require.NoError(t, err)
	assert.False(t, out.Passed)
	require.NotNil(t, out.Strategy)
	assert.False(t, out.Strategy.TrafficCommitted)
	assert.NotEmpty(t, out.Message)
}

func TestDeploy_InvalidStrategy(t *testing.T) {
	f := newRolloutFixture()
	_, err := (&Deploy{Engine: f.engine}).Check(context.Background(), testInput(models.Gate{Name: "deploy"}, "big_bang", "v2"))
	assert.Error(t, err)
}

func TestHealth_Workload(t *testing.T) {
	f := newRolloutFixture()
	gate := &Health{Orchestrator: f.orch, Checker: f.checker}

	out, err := gate.Check(context.Background(), testInput(models.Gate{Name: "health"}, models.StrategyRolling, "v1"))
	require.NoError(t, err)
	assert.True(t, out.Passed, out.Message)

	out, err = gate.Check(context.Background(), testInput(models.Gate{Name: "health"}, models.StrategyRolling, "v2"))
	require.NoError(t, err)
	assert.False(t, out.Passed)
	assert.Contains(t, out.Message, "expected v2")
}

func TestHealth_Unready(t *testing.T) {
	f := newRolloutFixture()
	f.orch.FailVersion("v1")
	gate := &Health{Orchestrator: f.orch, Checker: f.checker}

	out, err := gate.Check(context.Background(), testInput(models.Gate{Name: "health"}, models.StrategyRolling, "v1"))
	require.NoError(t, err)
	assert.False(t, out.Passed)
	assert.Contains(t, out.Message, "health check failed")
}

func TestHealth_HTTP(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/checkout/health", r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	f := newRolloutFixture()
	gate := &Health{Orchestrator: f.orch, Checker: f.checker, Client: srv.Client()}
	hc := models.Gate{Name: "health", Criteria: models.SuccessCriteria{TargetURL: srv.URL + "/{{service}}/health"}}

	out, err := gate.Check(context.Background(), testInput(hc, models.StrategyRolling, "v1"))
	require.NoError(t, err)
	assert.True(t, out.Passed, out.Message)

	status.Store(http.StatusInternalServerError)
	out, err = gate.Check(context.Background(), testInput(hc, models.StrategyRolling, "v1"))
	require.NoError(t, err)
	assert.False(t, out.Passed)
}

func TestHealth_NoActiveWorkload(t *testing.T) {
	f := newRolloutFixture()
	in := testInput(models.Gate{Name: "health"}, models.StrategyRolling, "v1")
	in.Run.ServiceName = "inventory"

	out, err := (&Health{Orchestrator: f.orch, Checker: f.checker}).Check(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, out.Passed)
}

func TestCheckerFunc(t *testing.T) {
	boom := errors.New("boom")
	c := CheckerFunc(func(ctx context.Context, in Input) (Outcome, error) { return Outcome{}, boom })
	_, err := c.Check(context.Background(), Input{})
	assert.ErrorIs(t, err, boom)
}

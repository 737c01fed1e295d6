package workload

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ReadinessFunc decides how many replicas of a workload report ready
type ReadinessFunc func(env string, spec Spec) int32

// Memory is an in-process Orchestrator for local runs and tests.
// Workloads become ready immediately unless a ReadinessFunc says otherwise.
type Memory struct {
	mu        sync.Mutex
	workloads map[string]*Spec
	services  map[string]*memService
	readiness ReadinessFunc
	failOn    map[string]error
	splits    map[string][]int
}

type memService struct {
	selector string
	canary   string
	weight   int
}

// NewMemory creates an empty in-memory orchestrator
func NewMemory() *Memory {
	return &Memory{
		workloads: make(map[string]*Spec),
		services:  make(map[string]*memService),
		failOn:    make(map[string]error),
		splits:    make(map[string][]int),
	}
}

func key(env, name string) string {
	return env + "/" + name
}

// SetReadiness overrides how ready replicas are computed
func (m *Memory) SetReadiness(fn ReadinessFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readiness = fn
}

// FailVersion makes every workload running version report zero ready replicas
func (m *Memory) FailVersion(version string) {
	m.SetReadiness(func(env string, spec Spec) int32 {
		if spec.Version == version {
			return 0
		}
		return spec.Replicas
	})
}

// FailOperation makes the named operation ("apply", "scale", "delete", "switch", "split") return err
func (m *Memory) FailOperation(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn[op] = err
}

// Seed installs a running workload and points the service at it
func (m *Memory) Seed(env string, spec Spec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := spec
	m.workloads[key(env, spec.Name)] = &s
	m.services[key(env, spec.Service)] = &memService{selector: spec.Name}
}

// Splits returns every traffic percentage set on a service, in order
func (m *Memory) Splits(env, service string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.splits[key(env, service)]...)
}

// Workloads returns the names of existing workloads in env
func (m *Memory) Workloads(env string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for k, s := range m.workloads {
		if strings.HasPrefix(k, env+"/") {
			names = append(names, s.Name)
		}
	}
	sort.Strings(names)
	return names
}

func (m *Memory) fail(op string) error {
	if err, ok := m.failOn[op]; ok {
		return err
	}
	return nil
}

func (m *Memory) Apply(ctx context.Context, env string, spec Spec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("apply"); err != nil {
		return err
	}
	s := spec
	m.workloads[key(env, spec.Name)] = &s
	return nil
}

func (m *Memory) Scale(ctx context.Context, env, name string, replicas int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("scale"); err != nil {
		return err
	}
	w, ok := m.workloads[key(env, name)]
	if !ok {
		return fmt.Errorf("workload %s: %w", name, ErrNotFound)
	}
	w.Replicas = replicas
	return nil
}

func (m *Memory) Status(ctx context.Context, env, name string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workloads[key(env, name)]
	if !ok {
		return Status{}, nil
	}

	ready := w.Replicas
	if m.readiness != nil {
		ready = m.readiness(env, *w)
	}
	if ready > w.Replicas {
		ready = w.Replicas
	}

	return Status{
		Exists:  true,
		Image:   w.Image,
		Version: w.Version,
		Desired: w.Replicas,
		Ready:   ready,
		Total:   w.Replicas,
	}, nil
}

func (m *Memory) Delete(ctx context.Context, env, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("delete"); err != nil {
		return err
	}
	delete(m.workloads, key(env, name))
	return nil
}

func (m *Memory) ActiveWorkload(ctx context.Context, env, service string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if svc, ok := m.services[key(env, service)]; ok {
		return svc.selector, nil
	}
	return "", nil
}

func (m *Memory) SwitchTraffic(ctx context.Context, env, service, workload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("switch"); err != nil {
		return err
	}
	m.services[key(env, service)] = &memService{selector: workload}
	return nil
}

func (m *Memory) SetTrafficSplit(ctx context.Context, env, service, canary string, percent int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("split"); err != nil {
		return err
	}
	svc, ok := m.services[key(env, service)]
	if !ok {
		return fmt.Errorf("service %s: %w", service, ErrNotFound)
	}
	svc.canary = canary
	svc.weight = percent
	m.splits[key(env, service)] = append(m.splits[key(env, service)], percent)
	return nil
}

// TrafficSplit returns the current canary workload and weight for a service
func (m *Memory) TrafficSplit(env, service string) (string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if svc, ok := m.services[key(env, service)]; ok {
		return svc.canary, svc.weight
	}
	return "", 0
}

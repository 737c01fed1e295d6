// Package workload is the capability interface the strategy engine uses to
// change what runs and what receives traffic. Each service owns two workload
// slots, <service>-blue and <service>-green. The service's traffic selector
// names the active slot.
package workload

import (
	"context"
	"errors"
	"fmt"
)

// Slot colors
const (
	ColorBlue  = "blue"
	ColorGreen = "green"
)

// ErrNotFound is returned when a workload or service does not exist
var ErrNotFound = errors.New("not found")

// Spec describes a workload to create or update
type Spec struct {
	Name     string
	Service  string
	Image    string
	Version  string
	Replicas int32
}

// Status is a point-in-time view of a workload
type Status struct {
	Exists  bool
	Image   string
	Version string
	// Desired is the requested replica count
	Desired int32
	// Ready counts replicas passing readiness
	Ready int32
	// Total counts replicas that still exist, including terminating ones
	Total int32
}

// Orchestrator creates, scales and deletes workloads and steers service traffic.
// Workload and service names are scoped by environment.
type Orchestrator interface {
	Apply(ctx context.Context, env string, spec Spec) error
	Scale(ctx context.Context, env, name string, replicas int32) error
	Status(ctx context.Context, env, name string) (Status, error)
	Delete(ctx context.Context, env, name string) error

	// ActiveWorkload returns the workload the service selector points at, or "" when unset
	ActiveWorkload(ctx context.Context, env, service string) (string, error)
	// SwitchTraffic atomically points the service selector at workload and clears any split
	SwitchTraffic(ctx context.Context, env, service, workload string) error
	// SetTrafficSplit sends percent of the service's traffic to canary
	SetTrafficSplit(ctx context.Context, env, service, canary string, percent int) error
}

// SlotName returns the workload name for a service's color slot
func SlotName(service, color string) string {
	return fmt.Sprintf("%s-%s", service, color)
}

// OtherColor returns the opposite slot color
func OtherColor(color string) string {
	if color == ColorGreen {
		return ColorBlue
	}
	return ColorGreen
}

// ColorOf returns the slot color encoded in a workload name, or "" if name is not a slot of service
func ColorOf(service, name string) string {
	switch name {
	case SlotName(service, ColorBlue):
		return ColorBlue
	case SlotName(service, ColorGreen):
		return ColorGreen
	}
	return ""
}

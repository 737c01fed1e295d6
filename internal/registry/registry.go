// Package registry checks that a version's container image has been published.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/rs/zerolog"
)

// Registry types
const (
	TypeDocker = "docker"
	TypeStatic = "static"
	TypeNone   = "none"
)

// Config contains registry settings
type Config struct {
	Type     string
	Host     string
	Username string
	Password string
}

// Checker reports whether an image reference can be pulled
type Checker interface {
	Exists(ctx context.Context, image string) (bool, error)
}

// ErrUnknownRegistry is returned when an unknown registry type is requested
type ErrUnknownRegistry struct {
	Type string
}

func (e ErrUnknownRegistry) Error() string {
	return "unknown registry type: " + e.Type
}

// New creates the configured checker. TypeNone returns a nil Checker.
func New(cfg Config, logger zerolog.Logger) (Checker, error) {
	switch cfg.Type {
	case "", TypeNone:
		return nil, nil
	case TypeStatic:
		return NewStatic(), nil
	case TypeDocker:
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		reg, err := NewDockerRegistry(cli, cfg, logger)
		if err != nil {
			return nil, err
		}
		return reg, nil
	default:
		return nil, ErrUnknownRegistry{Type: cfg.Type}
	}
}

// DockerRegistry asks the Docker daemon to resolve an image manifest in its registry
type DockerRegistry struct {
	client *client.Client
	auth   string
	logger zerolog.Logger
}

// NewDockerRegistry wraps a Docker client. Credentials are optional.
func NewDockerRegistry(cli *client.Client, cfg Config, logger zerolog.Logger) (*DockerRegistry, error) {
	r := &DockerRegistry{
		client: cli,
		logger: logger.With().Str("component", "registry").Logger(),
	}
	if cfg.Username != "" {
		auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
			Username:      cfg.Username,
			Password:      cfg.Password,
			ServerAddress: cfg.Host,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode registry credentials: %w", err)
		}
		r.auth = auth
	}
	return r, nil
}

func (r *DockerRegistry) Exists(ctx context.Context, image string) (bool, error) {
	inspect, err := r.client.DistributionInspect(ctx, image, r.auth)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect %s: %w", image, err)
	}

	r.logger.Debug().
		Str("image", image).
		Str("digest", inspect.Descriptor.Digest.String()).
		Msg("Image found in registry")
	return true, nil
}

// Close releases the Docker client
func (r *DockerRegistry) Close() error {
	return r.client.Close()
}

// Static knows a fixed set of images, for local runs and tests
type Static struct {
	mu     sync.RWMutex
	images map[string]bool
}

// NewStatic creates an empty static registry
func NewStatic() *Static {
	return &Static{images: make(map[string]bool)}
}

// Publish marks images as present
func (s *Static) Publish(images ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, img := range images {
		s.images[img] = true
	}
}

func (s *Static) Exists(ctx context.Context, image string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.images[image], nil
}

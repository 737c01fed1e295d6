package gates

import (
	"context"

	"github.com/alvesdmateus/release-gate/internal/registry"
)

// Artifact passes when the version's image exists in the registry
type Artifact struct {
	Registry registry.Checker
}

func (a *Artifact) Check(ctx context.Context, in Input) (Outcome, error) {
	image := in.Image()
	ok, err := a.Registry.Exists(ctx, image)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return failed("image %s not found", image), nil
	}
	return passed("image %s found", image), nil
}

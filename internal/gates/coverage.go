package gates

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/tools/cover"
)

// Coverage passes when a Go cover profile meets the gate's minimum statement coverage
type Coverage struct{}

func (Coverage) Check(ctx context.Context, in Input) (Outcome, error) {
	path := in.Expand(in.Gate.Criteria.CoverProfile)
	if path == "" {
		return Outcome{}, errors.New("criteria.cover_profile is required")
	}

	profiles, err := cover.ParseProfiles(path)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to read cover profile: %w", err)
	}
	pct := Percent(profiles)

	if pct < in.Gate.Criteria.MinCoverage {
		return failed("coverage %.1f%% is below %.1f%%", pct, in.Gate.Criteria.MinCoverage), nil
	}
	return passed("coverage %.1f%%", pct), nil
}

// Percent returns the share of statements covered across profiles
func Percent(profiles []*cover.Profile) float64 {
	var total, covered int64
	for _, p := range profiles {
		for _, b := range p.Blocks {
			total += int64(b.NumStmt)
			if b.Count > 0 {
				covered += int64(b.NumStmt)
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(covered) / float64(total) * 100
}

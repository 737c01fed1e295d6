package gates

import (
	"context"

	"github.com/alvesdmateus/release-gate/internal/scanner"
)

// Security passes when the image has no more critical and high findings than allowed
type Security struct {
	Scanner scanner.Scanner
}

func (s *Security) Check(ctx context.Context, in Input) (Outcome, error) {
	report, err := s.Scanner.Scan(ctx, in.Image())
	if err != nil {
		return Outcome{}, err
	}
	c := in.Gate.Criteria
	if err := report.Counts.Check(c.MaxCritical, c.MaxHigh); err != nil {
		return failed("%s: %v", report.Image, err), nil
	}
	return passed("%d critical, %d high", report.Counts.Critical, report.Counts.High), nil
}

// Package scanner counts known vulnerabilities in a container image.
package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnavailable is returned when the trivy binary cannot be found
var ErrUnavailable = errors.New("trivy not available")

// Config holds Trivy settings
type Config struct {
	// Path to the trivy binary; looked up in PATH when empty
	Path          string
	IgnoreUnfixed bool
	Timeout       time.Duration
}

// Counts tracks vulnerabilities by severity
type Counts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Unknown  int `json:"unknown"`
	Total    int `json:"total"`
}

// Report is the outcome of one image scan
type Report struct {
	Image    string        `json:"image"`
	Counts   Counts        `json:"counts"`
	Top      []Finding     `json:"top,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Finding is a single vulnerability
type Finding struct {
	ID       string `json:"VulnerabilityID"`
	Package  string `json:"PkgName"`
	Severity string `json:"Severity"`
	Fixed    string `json:"FixedVersion,omitempty"`
}

// trivyOutput is the subset of `trivy image --format json` that is read
type trivyOutput struct {
	ArtifactName string `json:"ArtifactName"`
	Results      []struct {
		Target          string    `json:"Target"`
		Vulnerabilities []Finding `json:"Vulnerabilities"`
	} `json:"Results"`
}

// Scanner scans images
type Scanner interface {
	Scan(ctx context.Context, image string) (*Report, error)
}

// runFunc executes a command and returns its stdout and stderr
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, []byte, error)

// TrivyScanner runs the Trivy CLI
type TrivyScanner struct {
	config Config
	path   string
	run    runFunc
	logger zerolog.Logger
}

// NewTrivyScanner locates trivy and returns a scanner. Scans fail with
// ErrUnavailable when the binary is missing.
func NewTrivyScanner(config Config, logger zerolog.Logger) *TrivyScanner {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Minute
	}
	s := &TrivyScanner{
		config: config,
		run:    execRun,
		logger: logger.With().Str("component", "scanner").Logger(),
	}

	path := config.Path
	if path == "" {
		path = "trivy"
	}
	if found, err := exec.LookPath(path); err == nil {
		s.path = found
		s.logger.Info().Str("path", found).Msg("Trivy scanner initialized")
	} else {
		s.logger.Warn().Msg("Trivy not found in PATH, security gates will fail")
	}
	return s
}

func execRun(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Available reports whether the trivy binary was found
func (s *TrivyScanner) Available() bool {
	return s.path != ""
}

// Scan runs trivy against image and counts findings by severity
func (s *TrivyScanner) Scan(ctx context.Context, image string) (*Report, error) {
	if !s.Available() {
		return nil, ErrUnavailable
	}

	args := []string{"image", "--format", "json", "--quiet", "--severity", "CRITICAL,HIGH,MEDIUM,LOW"}
	if s.config.IgnoreUnfixed {
		args = append(args, "--ignore-unfixed")
	}
	args = append(args, image)

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	s.logger.Info().Str("image", image).Msg("Starting vulnerability scan")
	start := time.Now()

	stdout, stderr, err := s.run(ctx, s.path, args...)
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("scan timed out after %v", s.config.Timeout)
	}
	if err != nil && len(stdout) == 0 {
		return nil, fmt.Errorf("trivy failed: %w: %s", err, strings.TrimSpace(string(stderr)))
	}

	report, err := parseReport(image, stdout)
	if err != nil {
		return nil, err
	}
	report.Duration = time.Since(start)

	s.logger.Info().
		Str("image", image).
		Int("critical", report.Counts.Critical).
		Int("high", report.Counts.High).
		Int("medium", report.Counts.Medium).
		Int("low", report.Counts.Low).
		Dur("duration", report.Duration).
		Msg("Vulnerability scan completed")

	return report, nil
}

func parseReport(image string, raw []byte) (*Report, error) {
	var out trivyOutput
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("failed to parse trivy output: %w", err)
		}
	}

	report := &Report{Image: image}
	for _, r := range out.Results {
		for _, v := range r.Vulnerabilities {
			switch strings.ToUpper(v.Severity) {
			case "CRITICAL":
				report.Counts.Critical++
				report.Top = append(report.Top, v)
			case "HIGH":
				report.Counts.High++
				report.Top = append(report.Top, v)
			case "MEDIUM":
				report.Counts.Medium++
			case "LOW":
				report.Counts.Low++
			default:
				report.Counts.Unknown++
			}
			report.Counts.Total++
		}
	}
	return report, nil
}

// Check compares counts against limits; a negative limit is unlimited
func (c Counts) Check(maxCritical, maxHigh int) error {
	if maxCritical >= 0 && c.Critical > maxCritical {
		return fmt.Errorf("found %d critical vulnerabilities (max allowed: %d)", c.Critical, maxCritical)
	}
	if maxHigh >= 0 && c.High > maxHigh {
		return fmt.Errorf("found %d high vulnerabilities (max allowed: %d)", c.High, maxHigh)
	}
	return nil
}

// Static reports fixed counts per image, for local runs and tests
type Static struct {
	Reports map[string]Counts
	Err     error
}

func (s *Static) Scan(ctx context.Context, image string) (*Report, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return &Report{Image: image, Counts: s.Reports[image]}, nil
}

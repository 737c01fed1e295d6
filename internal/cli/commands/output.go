package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alvesdmateus/release-gate/pkg/models"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

type printer struct {
	w      io.Writer
	format string
}

// print writes v as JSON or YAML, or hands a tabwriter to table for text output
func (p printer) print(v any, table func(tw *tabwriter.Writer)) error {
	switch p.format {
	case formatJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		return writeYAML(p.w, v)
	default:
		tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	}
}

// writeYAML goes through JSON so field names match the API's
func writeYAML(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return err
	}
	blockStyle(&node)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

// blockStyle drops the flow and quoting styles the JSON parse leaves behind
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func printRun(tw *tabwriter.Writer, run *models.DeploymentRun) {
	fmt.Fprintf(tw, "ID:\t%s\n", run.DeploymentID)
	fmt.Fprintf(tw, "Target:\t%s/%s\n", run.Environment, run.ServiceName)
	fmt.Fprintf(tw, "Version:\t%s\n", run.Version)
	fmt.Fprintf(tw, "Strategy:\t%s\n", run.Strategy)
	fmt.Fprintf(tw, "Status:\t%s\n", run.OverallStatus)
	fmt.Fprintf(tw, "Phase:\t%s\n", run.Phase)
	fmt.Fprintf(tw, "Requested by:\t%s\n", run.RequestedBy)
	fmt.Fprintf(tw, "Created:\t%s\n", formatTime(run.CreatedAt))
	if run.FinishedAt != nil {
		fmt.Fprintf(tw, "Finished:\t%s\n", formatTime(*run.FinishedAt))
	}
	if run.Error != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", run.Error)
	}
	if len(run.Results) == 0 {
		return
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "GATE\tSTATUS\tATTEMPT\tMESSAGE")
	for _, r := range run.Results {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.GateName, r.Status, r.Attempt, r.Message)
	}
}

func printApproval(tw *tabwriter.Writer, req *models.ApprovalRequest) {
	fmt.Fprintf(tw, "ID:\t%s\n", req.RequestID)
	fmt.Fprintf(tw, "Run:\t%s\n", req.DeploymentID)
	fmt.Fprintf(tw, "Gate:\t%s\n", req.GateName)
	fmt.Fprintf(tw, "Status:\t%s\n", req.Status)
	fmt.Fprintf(tw, "Approvals:\t%d/%d %s\n", len(req.Approvals), req.RequiredCount, strings.Join(req.Approvals.List(), ","))
	if len(req.Rejections) > 0 {
		fmt.Fprintf(tw, "Rejections:\t%s\n", strings.Join(req.Rejections.List(), ","))
	}
	if req.Reason != "" {
		fmt.Fprintf(tw, "Reason:\t%s\n", req.Reason)
	}
	fmt.Fprintf(tw, "Expires:\t%s\n", formatTime(req.ExpiresAt))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

//nolint:forbidigo // CLI command needs fmt.Print* for user output
package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/internal/traffic"
)

func newStrategiesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strategies",
		Short: "List supported rollout strategies",
		Long:  "Display the supported rollout strategies and their fixed traffic-shift schedules",
		RunE: func(_ *cobra.Command, _ []string) error {
			return listStrategies()
		},
	}
	return cmd
}

func listStrategies() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STRATEGY\tSTEPS\tTOTAL HOLD\tSCHEDULE") // Ignore error - output formatting
	_, _ = fmt.Fprintln(w, "--------\t-----\t----------\t--------") // Ignore error - output formatting

	for _, strategy := range interfaces.Strategies() {
		plan, err := traffic.BuildPlan(strategy)
		if err != nil {
			return fmt.Errorf("failed to build plan for %s: %w", strategy, err)
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			strategy, len(plan), traffic.PlanDuration(plan), formatPlan(plan)) // Ignore error - output formatting
	}

	_ = w.Flush() // Ignore error - output formatting
	return nil
}

// formatPlan renders a step schedule like "10%/5m0s, 100%/5m0s"
func formatPlan(plan []interfaces.TrafficStep) string {
	parts := make([]string, 0, len(plan))
	for _, step := range plan {
		if step.Hold == 0 {
			parts = append(parts, fmt.Sprintf("%d%%", step.Percent))
			continue
		}
		parts = append(parts, fmt.Sprintf("%d%%/%s", step.Percent, step.Hold))
	}
	return strings.Join(parts, ", ")
}

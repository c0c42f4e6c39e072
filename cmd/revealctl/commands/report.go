package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewReportCommand groups reporting commands.
func NewReportCommand(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Reveal statistics, security metrics and exports",
	}

	var (
		days   int
		output string
	)
	export := &cobra.Command{
		Use:   "export",
		Short: "Write the security report as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.App(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			return a.Reports.ExportCSV(cmd.Context(), out, days)
		},
	}
	export.Flags().IntVar(&days, "days", 30, "Days of history to include")
	export.Flags().StringVarP(&output, "output", "o", "-", "Output file, - for stdout")

	var period string
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print reveal statistics as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.App(cmd.Context())
			if err != nil {
				return err
			}
			s, err := a.Reports.Statistics(cmd.Context(), period)
			if err != nil {
				return err
			}
			return printJSON(cmd, s)
		},
	}
	stats.Flags().StringVar(&period, "period", "month", "day, week, month, quarter, year or a number of days")

	var complianceDays int
	compliance := &cobra.Command{
		Use:   "compliance",
		Short: "Print the compliance report as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.App(cmd.Context())
			if err != nil {
				return err
			}
			c, err := a.Reports.Compliance(cmd.Context(), complianceDays)
			if err != nil {
				return err
			}
			return printJSON(cmd, c)
		},
	}
	compliance.Flags().IntVar(&complianceDays, "days", 90, "Days of history to include")

	cmd.AddCommand(export, stats, compliance)
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

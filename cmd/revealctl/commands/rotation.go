package commands

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"revealgate.dev/internal/rotation"
)

// PoliciesFile is the import format for rotation policies.
type PoliciesFile struct {
	Policies []rotation.Policy `yaml:"policies"`
}

// NewPoliciesCommand groups rotation policy commands.
func NewPoliciesCommand(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Manage rotation policies",
	}
	cmd.AddCommand(newPoliciesImportCommand(env), newPoliciesListCommand(env))
	return cmd
}

func newPoliciesImportCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Create or update rotation policies from a YAML file",
		Example: `  revealctl policies import policies.yaml

  # policies.yaml
  policies:
    - name: mail-monthly
      doctype: Email Account
      field: password
      frequency: Monthly
      generator: {length: 20, use_numbers: true, use_special: true}
      enabled: true`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var file PoliciesFile
			if err := readYAML(args[0], &file); err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := env.App(ctx)
			if err != nil {
				return err
			}
			var errs []error
			saved := 0
			for _, p := range file.Policies {
				if err := a.Rotation.SavePolicy(ctx, p); err != nil {
					errs = append(errs, fmt.Errorf("policy %q: %w", p.Name, err))
					continue
				}
				saved++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "policies: %d saved, %d rejected\n", saved, len(errs))
			return errors.Join(errs...)
		},
	}
}

func newPoliciesListCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rotation policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.App(cmd.Context())
			if err != nil {
				return err
			}
			policies, err := a.Rotation.Policies(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDOCTYPE\tFIELD\tFREQUENCY\tENABLED\tNEXT")
			for _, p := range policies {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", p.Name, p.Doctype, p.Field, p.Frequency, p.Enabled, formatTime(p.NextRotation))
			}
			return w.Flush()
		},
	}
}

// NewRotateCommand runs rotations on demand.
func NewRotateCommand(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Run secret rotations",
	}

	var force bool
	run := &cobra.Command{
		Use:   "run <policy>",
		Short: "Rotate every document matched by a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.App(cmd.Context())
			if err != nil {
				return err
			}
			var opts []rotation.RunOption
			if force {
				opts = append(opts, rotation.Force())
			}
			res, err := a.Rotation.Run(cmd.Context(), args[0], opts...)
			if err != nil {
				return err
			}
			printResults(cmd.OutOrStdout(), []rotation.Result{res})
			return nil
		},
	}
	run.Flags().BoolVar(&force, "force", false, "Rotate even if the policy is not due")

	due := &cobra.Command{
		Use:   "due",
		Short: "Run every enabled policy that is due",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.App(cmd.Context())
			if err != nil {
				return err
			}
			results, err := a.Rotation.RunDue(cmd.Context())
			printResults(cmd.OutOrStdout(), results)
			return err
		},
	}

	cmd.AddCommand(run, due)
	return cmd
}

func printResults(out io.Writer, results []rotation.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POLICY\tSUCCESS\tFAILED\tNEXT")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", r.Policy, r.Success, r.Failed, formatTime(r.NextRotation))
	}
	_ = w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"revealgate.dev/internal/auth"
)

// PermissionsFile is the import format for the permission matrix.
type PermissionsFile struct {
	TrustedUsers []string               `yaml:"trusted_users"`
	Doctypes     []string               `yaml:"doctypes"`
	Rules        []auth.FieldPermission `yaml:"rules"`
}

// NewPermissionsCommand groups permission matrix commands.
func NewPermissionsCommand(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "Manage trusted users, allowed doctypes and field permissions",
	}
	cmd.AddCommand(newPermissionsImportCommand(env))
	return cmd
}

func newPermissionsImportCommand(env *Env) *cobra.Command {
	var addedBy string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Upsert trusted users, doctypes and rules from a YAML file",
		Example: `  revealctl permissions import permissions.yaml

  # permissions.yaml
  trusted_users: [alice]
  doctypes: ["Email Account"]
  rules:
    - doctype: Email Account
      field: password
      grantee_kind: role
      grantee: system manager
      can_reveal: true`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var file PermissionsFile
			if err := readYAML(args[0], &file); err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := env.App(ctx)
			if err != nil {
				return err
			}
			for _, u := range file.TrustedUsers {
				if err := a.Matrix.Trust(ctx, u, addedBy); err != nil {
					return fmt.Errorf("trust %s: %w", u, err)
				}
			}
			for _, d := range file.Doctypes {
				if err := a.Matrix.AllowDocType(ctx, d); err != nil {
					return fmt.Errorf("allow doctype %s: %w", d, err)
				}
			}
			res, err := a.Matrix.Upsert(ctx, file.Rules)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "trusted users: %d, doctypes: %d\n", len(file.TrustedUsers), len(file.Doctypes))
			fmt.Fprintf(out, "rules: %d created, %d updated, %d invalid\n", res.Created, res.Updated, len(res.Errors))
			for _, e := range res.Errors {
				fmt.Fprintf(cmd.ErrOrStderr(), "  %v\n", e)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addedBy, "added-by", "revealctl", "Recorded as the author of trusted user entries")
	return cmd
}

package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/raaihank/pii-scrubber/internal/catalog"
)

func newCatalogCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect pattern catalogs",
	}
	cmd.AddCommand(newCatalogValidateCmd(), newCatalogListCmd(opts))
	return cmd
}

func newCatalogValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check that a catalog file compiles on top of the built-in patterns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := catalog.Load(args[0], nil, nil, nil)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d patterns, types %v\n", args[0], c.Len(), c.Types())
			return err
		},
	}
}

func newCatalogListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the patterns of the configured catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			lo := cfg.Catalog.LoadOptions()
			c, err := catalog.Load(lo.Path, lo.Enabled, lo.Disabled, lo.Registry)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTYPE\tPRIORITY\tSEVERITY\tPLACEHOLDER")
			for _, p := range c.Patterns() {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", p.Name, p.Type, p.Priority, p.Severity, p.Placeholder(1))
			}
			return tw.Flush()
		},
	}
}

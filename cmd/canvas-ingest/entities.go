package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "List the configured entities",
	Long: `Entities prints the entity catalog a run would extract: the built-in Canvas
catalog, or the entities_file when configured, narrowed by --entities.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		specs, err := cfg.Specs()
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tTABLE\tKEY\tENDPOINT")
		for _, s := range specs {
			endpoint := s.Endpoint
			for f := s.FanOut; f != nil; f = f.Parent {
				endpoint += " (per " + f.Placeholder + ")"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Name, s.Table, s.PrimaryKey, endpoint)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(entitiesCmd)
}

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vbonduro/ailab/internal/config"
)

func newLabsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "labs",
		Short: "List the available labs",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := loadCatalog(config.Load())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tDESCRIPTION")
			for _, l := range catalog.Labs() {
				fmt.Fprintf(w, "%s\t%s %s\t%s\n", l.Category, l.Icon, l.Title, l.Description)
			}
			return w.Flush()
		},
	}
}

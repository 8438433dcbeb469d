package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vbonduro/ailab/internal/history"
)

func newHistoryCmd() *cobra.Command {
	var device string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect, clear or import a device's analysis history",
	}
	cmd.PersistentFlags().StringVar(&device, "device", history.LegacyDevice, "device whose history to use")

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored results, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.service.History(cmd.Context(), device)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLAB\tMODE\tIMAGES\tCREATED\tSUMMARY")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					e.ID, e.Category, e.Mode, e.ImageCount,
					e.CreatedAt.Local().Format("2006-01-02 15:04"), firstLine(e.Analysis, 48))
			}
			return w.Flush()
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored result",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.service.ClearHistory(cmd.Context(), device)
		},
	}

	importCmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Merge an exported history file into the device's history",
		Long: `Import reads either the versioned envelope written by this server or the
bare JSON array the legacy browser app kept under "ai-lab-history".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read history file: %w", err)
			}
			if !json.Valid(data) {
				return fmt.Errorf("%s is not valid JSON", args[0])
			}

			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.service.ImportHistory(cmd.Context(), device, data)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "imported %d entries into %s\n", n, device)
			return err
		},
	}

	cmd.AddCommand(list, clearCmd, importCmd)
	return cmd
}

// firstLine returns the first non-empty line of s, cut to limit runes.
func firstLine(s string, limit int) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "#*- "))
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > limit {
			return string(r[:limit-1]) + "…"
		}
		return line
	}
	return ""
}

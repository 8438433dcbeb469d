package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vbonduro/ailab/internal/analysis"
	"github.com/vbonduro/ailab/internal/domain"
	"github.com/vbonduro/ailab/internal/intake"
)

func newAnalyzeCmd() *cobra.Command {
	var (
		labName string
		mode    string
		device  string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "analyze --lab LAB FILE...",
		Short: "Analyze image files from the command line",
		Example: `  # Analyze two fridge photos in one request
  ailab analyze --lab fridge top.jpg bottom.jpg

  # Analyze each photo separately, then summarize
  ailab analyze --lab closet --mode sequential left.jpg middle.jpg right.jpg`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, ok := domain.ParseCategory(labName)
			if !ok {
				return fmt.Errorf("unknown lab %q", labName)
			}
			var m domain.Mode
			if mode != "" {
				if m, ok = domain.ParseMode(mode); !ok {
					return fmt.Errorf("unknown mode %q", mode)
				}
			}

			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.Close()

			proc := intake.NewProcessor(a.service.MaxImages())
			if err := proc.CheckCount(len(args)); err != nil {
				return err
			}
			images := make([]domain.UploadedImage, 0, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read image: %w", err)
				}
				img, err := proc.FromBytes(filepath.Base(path), data)
				if err != nil {
					return err
				}
				images = append(images, img)
			}

			stderr := cmd.ErrOrStderr()
			result, err := a.service.Analyze(cmd.Context(), device, domain.AnalysisRequest{
				Category: cat,
				Images:   images,
				Mode:     m,
			}, func(p analysis.Progress) {
				if !p.Phase.Terminal() {
					fmt.Fprintf(stderr, "[%d/%d] %s\n", p.Step, p.Total, p.Phase)
				}
			})
			if err != nil {
				msg := a.service.ErrorMessage(err)
				fmt.Fprintf(stderr, "%s\n", msg.Title)
				for _, s := range msg.Suggestions {
					fmt.Fprintf(stderr, "  - %s\n", s)
				}
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			_, err = fmt.Fprintln(out, result.Analysis)
			return err
		},
	}

	cmd.Flags().StringVarP(&labName, "lab", "l", "", "lab to run (bookshelf, fridge, closet, whisky)")
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "combined or sequential (default from ANALYSIS_MODE)")
	cmd.Flags().StringVar(&device, "device", "cli", "history key to record the result under")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	_ = cmd.MarkFlagRequired("lab")
	return cmd
}

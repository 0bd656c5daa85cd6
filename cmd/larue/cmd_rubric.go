package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

func rubricCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rubric",
		Short: "Inspect the scoring rubric",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load the rubric directory and print its version, axes and vocabulary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.loadRubric()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Version: %s\n", r.Version())

			weights := r.AxisWeights()
			axes := make([]string, 0, len(weights))
			for axis := range weights {
				axes = append(axes, axis)
			}
			sort.Strings(axes)
			fmt.Fprintf(out, "Axes:\n")
			for _, axis := range axes {
				fmt.Fprintf(out, "  %-20s weight %.2f  %s\n", axis, weights[axis], strings.Join(r.Citations(axis), "; "))
			}

			vocab := r.Vocabulary()
			tags := vocab.Tags()
			sort.Strings(tags)
			fmt.Fprintf(out, "Issue tags:\n")
			for _, tag := range tags {
				fmt.Fprintf(out, "  %-20s -> %s\n", tag, strings.Join(vocab.Axes(tag), ", "))
			}
			fmt.Fprintf(out, "Rubric tags: %s\n", strings.Join(r.RubricTags(), ", "))
			return nil
		},
	})

	return cmd
}

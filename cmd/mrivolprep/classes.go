package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"mrivolprep/pkg/dataset"
)

var classesCmd = &cobra.Command{
	Use:   "classes [root]",
	Short: "Print the class table of a dataset root",
	Long: `Print the label assigned to every class directory under a dataset root.
Class names are sorted, so the same directory set always yields the same labels.
Without an argument the configured dataset.root is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runClasses,
}

func runClasses(cmd *cobra.Command, args []string) error {
	root := cfg.Dataset.Root
	if len(args) == 1 {
		root = args[0]
	}
	if root == "" {
		return fmt.Errorf("no dataset root given")
	}

	classes, err := dataset.FindClasses(root)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LABEL\tCLASS")
	for label, name := range classes.Names() {
		fmt.Fprintf(w, "%d\t%s\n", label, name)
	}
	return w.Flush()
}

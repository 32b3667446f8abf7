package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var indexValidation bool

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "List the examples of the configured dataset",
	Long: `List every example the configured mode discovers, in enumeration order.
Train mode scans dataset.root (or dataset.valRoot with --val); test mode reads
dataset.manifest.`,
	Args: cobra.NoArgs,
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().BoolVar(&indexValidation, "val", false, "Index dataset.valRoot instead of dataset.root")
}

func runIndex(cmd *cobra.Command, args []string) error {
	root, err := datasetRoot(indexValidation)
	if err != nil {
		return err
	}
	e, err := newEnumerator(root)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tLABEL\tCLASS\tSOURCE")
	for i := 0; i < e.Len(); i++ {
		d, err := e.Descriptor(i)
		if err != nil {
			return err
		}
		class := d.ClassName
		if class == "" {
			class = "-"
		}
		source := d.Source()
		if len(d.Paths) > 1 {
			source = strings.Join(d.Paths, " ")
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", i, d.Label, class, source)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\n%d examples, %d classes, %s modality, %s mode\n",
		e.Len(), e.NumClasses(), e.Modality(), e.Mode())
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var fieldsCmd = &cobra.Command{
	Use:   "fields",
	Short: "Inspect the local field numbering",
}

var fieldsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile local field ids with the analytics service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printFields(cmd.Context())
	},
}

var fieldsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show stored field id mappings without contacting the service",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "LOCAL\tGLOBAL")
		for _, m := range rt.eng.Fields().Mappings() {
			fmt.Fprintf(tw, "#%d\t%d\n", m.LocalID, m.GlobalID)
		}
		return tw.Flush()
	},
}

func init() {
	fieldsCmd.AddCommand(fieldsSyncCmd, fieldsListCmd)
}

func printFields(ctx context.Context) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	views, err := rt.eng.SyncFields(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tGLOBAL\tNAME\tACTIVE")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%t\n", v.DisplayID, v.ID, v.Name, v.Active)
	}
	return tw.Flush()
}

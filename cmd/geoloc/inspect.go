package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/example/geoloc-api/internal/background"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print statistics about the background collection",
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := os.Stat(cfg.Background.Path)
		if err != nil {
			return err
		}
		table, err := background.Open(cfg.Background.Path)
		if err != nil {
			return err
		}
		cells, err := background.LoadCells(cfg.Background.CellsPath, table.Len())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "store:        %s (%s)\n", cfg.Background.Path, humanize.Bytes(uint64(info.Size())))
		fmt.Fprintf(out, "rows:         %s\n", humanize.Comma(int64(table.Len())))
		fmt.Fprintf(out, "dimension:    %d\n", table.Dim())
		fmt.Fprintf(out, "cells:        %s\n", humanize.Comma(int64(cells.Cells())))
		fmt.Fprintf(out, "assignments:  %s\n", humanize.Comma(int64(cells.Assignments())))
		if cells.Cells() > 0 {
			fmt.Fprintf(out, "rows/cell:    %.1f\n", float64(cells.Assignments())/float64(cells.Cells()))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

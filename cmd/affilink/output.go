package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// field is one labelled value of a summary.
type field struct {
	label string
	value string
}

func intField(label string, v int) field     { return field{label, strconv.Itoa(v)} }
func int64Field(label string, v int64) field { return field{label, strconv.FormatInt(v, 10)} }

func durationField(label string, d time.Duration) field {
	return field{label, d.Round(time.Millisecond).String()}
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printSummary renders a stage summary: JSON with --json, a rounded table on
// a terminal, and tab-separated lines otherwise.
func (c *commandContext) printSummary(cmd *cobra.Command, title string, raw any, fields []field) error {
	if c.flags.json {
		return writeJSON(cmd, raw)
	}
	out := cmd.OutOrStdout()
	if !isTerminal(out) {
		for _, f := range fields {
			if _, err := fmt.Fprintf(out, "%s\t%s\n", f.label, f.value); err != nil {
				return err
			}
		}
		return nil
	}
	rows := make([][]string, 0, len(fields))
	for _, f := range fields {
		rows = append(rows, []string{f.label, f.value})
	}
	_, err := fmt.Fprintln(out, renderTable(title, []string{"Metric", "Value"}, rows,
		[]columnAlignment{alignLeft, alignRight}, table.StyleRounded))
	return err
}

func isTerminal(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

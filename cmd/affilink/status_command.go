package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"affilink/internal/extract"
	"affilink/internal/resolve"
	"affilink/internal/workdir"
)

type fileStatus struct {
	Name    string `json:"name"`
	Present bool   `json:"present"`
	Bytes   int64  `json:"bytes"`
}

type statusReport struct {
	WorkDir            string         `json:"work_dir"`
	Files              []fileStatus   `json:"files"`
	UniqueAffiliations int            `json:"unique_affiliations"`
	Processed          int            `json:"processed"`
	Remaining          int            `json:"remaining"`
	Checkpoint         resolve.Counts `json:"checkpoint"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var workDir string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show work directory files and checkpoint progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("workdir") {
				if err := setWorkDir(cfg, workDir); err != nil {
					return err
				}
			}
			report, err := buildStatus(workdir.New(cfg.Paths.WorkDir))
			if err != nil {
				return err
			}
			return ctx.printStatus(cmd, report)
		},
	}
	cmd.Flags().StringVar(&workDir, "workdir", "", "Work directory to inspect")
	return cmd
}

func buildStatus(dir workdir.Dir) (statusReport, error) {
	report := statusReport{WorkDir: dir.Root()}
	for _, name := range dir.Files() {
		fs := fileStatus{Name: name}
		if info, err := os.Stat(dir.Path(name)); err == nil && info.Mode().IsRegular() {
			fs.Present = true
			fs.Bytes = info.Size()
		}
		report.Files = append(report.Files, fs)
	}

	if unique, err := extract.ReadUnique(dir.UniqueAffiliations()); err == nil {
		report.UniqueAffiliations = len(unique)
	} else if !os.IsNotExist(err) {
		return report, err
	}

	counts, processed, err := resolve.Inspect(dir.Checkpoint())
	if err != nil {
		return report, err
	}
	report.Checkpoint = counts
	report.Processed = processed
	if remaining := report.UniqueAffiliations - processed; remaining > 0 {
		report.Remaining = remaining
	}
	return report, nil
}

func (c *commandContext) printStatus(cmd *cobra.Command, report statusReport) error {
	if c.flags.json {
		return writeJSON(cmd, report)
	}
	out := cmd.OutOrStdout()
	fields := []field{
		{"Work directory", report.WorkDir},
		intField("Unique affiliations", report.UniqueAffiliations),
		intField("Processed", report.Processed),
		intField("Remaining", report.Remaining),
		intField("Matched", report.Checkpoint.Matched),
		intField("No match", report.Checkpoint.NoMatch),
		intField("Ambiguous", report.Checkpoint.Ambiguous),
		intField("Errors", report.Checkpoint.Errors),
	}
	if err := c.printSummary(cmd, "Checkpoint", report, fields); err != nil {
		return err
	}

	rows := make([][]string, 0, len(report.Files))
	for _, f := range report.Files {
		size := "-"
		if f.Present {
			size = strconv.FormatInt(f.Bytes, 10)
		}
		rows = append(rows, []string{f.Name, yesNo(f.Present), size})
	}
	style := table.StyleLight
	if isTerminal(out) {
		style = table.StyleRounded
	}
	_, err := fmt.Fprintln(out, renderTable("Files", []string{"File", "Present", "Bytes"}, rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight}, style))
	return err
}

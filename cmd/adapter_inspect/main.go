// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

// adapter_inspect reports on the artefacts of one or more domain-task adapter experiments: the run
// metadata, the hyperparameters, the exported adapter variables and the metrics logged during
// training.
//
// Each argument is an experiment directory, `<exp-dir>/<source_target>`. With more than one,
// values are shown side by side, and hyperparameters that differ are highlighted.
//
// Example:
//
//	adapter_inspect -all ~/work/domadapter/fiction_slate ~/work/domadapter/travel_slate
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gomlx/backends"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagAll      = flag.Bool("all", false, "Display all reports.")
	flagSummary  = flag.Bool("summary", false, "Display a summary of the runs and the sizes of the exported adapters.")
	flagParams   = flag.Bool("params", false, "Lists the hyperparameters and the adapter model settings.")
	flagGlossary = flag.Bool("glossary", true, "Whether to list a glossary of the column names after the reports.")

	titleStyle    = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	sectionStyle  = lipgloss.NewStyle().Bold(true)
	emphasisStyle = lipgloss.NewStyle().Bold(true)
	italicStyle   = lipgloss.NewStyle().Italic(true)
)

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <experiment_dir> [<experiment_dir>...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	dirs := flag.Args()
	if len(dirs) == 0 {
		klog.Errorf("Missing experiment directory to read from. See 'adapter_inspect -help'")
		os.Exit(1)
	}
	if *flagAll {
		*flagSummary, *flagParams, *flagVars, *flagMetrics, *flagMetricsLabels = true, true, true, true, true
	}
	if !*flagSummary && !*flagParams && !*flagVars && !*flagMetrics && !*flagMetricsLabels {
		*flagSummary = true
	}

	names := ExperimentLabels(dirs...)
	experiments := make([]*Experiment, len(dirs))
	for ii, dir := range dirs {
		experiments[ii] = must.M1(LoadExperiment(dir))
		experiments[ii].Name = names[ii]
	}
	defer func() {
		for _, e := range experiments {
			e.Finalize()
		}
	}()

	if *flagSummary {
		fmt.Println(titleStyle.Render("Summary"))
		fmt.Println(SummaryTable(experiments).Render())
	}
	if *flagParams {
		fmt.Println(titleStyle.Render("Hyperparameters"))
		fmt.Println(ParamsTable(experiments).Table.Render())
	}
	if *flagVars {
		backend := backends.MustNew()
		defer backend.Finalize()
		for _, e := range experiments {
			fmt.Println(titleStyle.Render(fmt.Sprintf("Adapter variables of %s", e.Name)))
			fmt.Println(must.M1(VariablesTable(backend, e)).Render())
		}
		if *flagGlossary {
			fmt.Printf("  %s:\n", sectionStyle.Render("Glossary"))
			fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("Scalar/MAV"), italicStyle.Render("If variable is a scalar then the value itself, else the Mean Absolute Value"))
			fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("RMS"), italicStyle.Render("Root Mean Square"))
			fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("MaxAV"), italicStyle.Render("Max Absolute Value"))
		}
	}
	if *flagMetrics || *flagMetricsLabels {
		must.M(Metrics(experiments))
	}
}

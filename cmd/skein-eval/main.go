// Command skein-eval replays scripted conversation scenarios through the
// real orchestration engine and scores the observed event stream. No
// network access: the model backend is the scripted provider, and the
// builtin capabilities run against a throwaway workspace.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

func main() {
	fs := flag.NewFlagSet("skein-eval", flag.ExitOnError)
	scenarioPath := fs.String("scenarios", "", "Scenario yaml file (required)")
	jsonOut := fs.String("json", "", "Write the full report as JSON to this path")
	keep := fs.Bool("keep-workspaces", false, "Keep scenario workspaces for inspection")
	_ = fs.Parse(os.Args[1:])

	if *scenarioPath == "" {
		fs.Usage()
		os.Exit(2)
	}

	suite, err := loadSuite(filepath.Clean(*scenarioPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load scenarios: %v\n", err)
		os.Exit(1)
	}

	report := suiteReport{StartedAtUnixMs: time.Now().UnixMilli()}
	failed := 0
	for _, sc := range suite.Scenarios {
		res := runScenario(sc, *keep)
		report.Results = append(report.Results, res)
		status := "PASS"
		if !res.Passed {
			status = "FAIL"
			failed++
		}
		fmt.Printf("%-4s %-32s rounds=%d stop=%s elapsed=%dms\n", status, sc.ID, res.Rounds, res.StopReason, res.DurationMS)
		for _, problem := range res.Problems {
			fmt.Printf("       - %s\n", problem)
		}
	}
	report.FinishedAtUnixMs = time.Now().UnixMilli()
	report.Total = len(report.Results)
	report.Failed = failed

	fmt.Printf("\n%d/%d scenarios passed\n", report.Total-failed, report.Total)

	if *jsonOut != "" {
		b, err := json.MarshalIndent(report, "", "  ")
		if err == nil {
			err = os.WriteFile(*jsonOut, b, 0o600)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Report written: %s\n", *jsonOut)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

type suiteReport struct {
	StartedAtUnixMs  int64            `json:"started_at_unix_ms"`
	FinishedAtUnixMs int64            `json:"finished_at_unix_ms"`
	Total            int              `json:"total"`
	Failed           int              `json:"failed"`
	Results          []scenarioResult `json:"results"`
}

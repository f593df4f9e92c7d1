package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/regtruth/regtruth/pkg/extract"
	"github.com/regtruth/regtruth/pkg/llm"
)

func runExtractorCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: regtruth extractor <run|batch> [flags]")
		return 2
	}

	switch args[0] {
	case "run":
		return runExtractorRun(args[1:], stdout, stderr)
	case "batch":
		return runExtractorBatch(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown extractor subcommand: %s\n", args[0])
		return 2
	}
}

func runExtractorRun(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("extractor run", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	evidenceID := cmd.String("evidence-id", "", "Evidence row to extract (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *evidenceID == "" {
		fmt.Fprintln(stderr, "Error: --evidence-id is required")
		return 2
	}

	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	ex := extract.New(a.store, a.runner(), extract.ValidatorConfig{}, a.logger)
	res, err := ex.Run(ctx, *evidenceID, llm.Correlation{QueueName: "cli"})
	if err != nil {
		fmt.Fprintf(stderr, "Extraction failed: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Extracted %d facts (%d rejected) from %s\n",
		len(res.FactIDs), res.Rejected, *evidenceID)
	for _, id := range res.FactIDs {
		fmt.Fprintf(stdout, "  %s\n", id)
	}
	return 0
}

func runExtractorBatch(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("extractor batch", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	limit := cmd.Int("limit", 25, "Maximum evidence rows to process")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	ex := extract.New(a.store, a.runner(), extract.ValidatorConfig{}, a.logger)
	res, err := ex.RunBatch(ctx, *limit, llm.Correlation{QueueName: "cli"})
	if err != nil {
		fmt.Fprintf(stderr, "Batch failed: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Processed %d evidence rows: %d succeeded, %d failed\n",
		res.Processed, res.Succeeded, res.Failed)
	for _, e := range res.Errors {
		fmt.Fprintf(stdout, "  error: %s\n", e)
	}
	if res.Failed > 0 {
		return 1
	}
	return 0
}

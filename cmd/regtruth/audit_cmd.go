package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/regtruth/regtruth/pkg/audit"
)

// runAuditCmd exports the audit log: either a JSONL stream to stdout or
// a checksummed zip pack.
func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "export" {
		fmt.Fprintln(stderr, "Usage: regtruth audit export [--start RFC3339] [--end RFC3339] [--pack path]")
		return 2
	}

	cmd := flag.NewFlagSet("audit export", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	start := cmd.String("start", "", "Range start, RFC3339 (REQUIRED)")
	end := cmd.String("end", "", "Range end, RFC3339 (default: now)")
	packPath := cmd.String("pack", "", "Write a zip pack here instead of JSONL to stdout")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}

	req, err := parseExportRange(*start, *end)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	exp := audit.NewExporter(a.store.Audit)

	if *packPath != "" {
		data, checksum, err := exp.GeneratePack(ctx, req)
		if err != nil {
			fmt.Fprintf(stderr, "Export failed: %v\n", err)
			return 1
		}
		if err := os.WriteFile(*packPath, data, 0o644); err != nil {
			fmt.Fprintf(stderr, "Write failed: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Pack written: %s (sha256 %s)\n", *packPath, checksum)
		return 0
	}

	n, err := exp.WriteJSONL(ctx, stdout, req)
	if err != nil {
		fmt.Fprintf(stderr, "Export failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stderr, "%d entries exported\n", n)
	return 0
}

func parseExportRange(start, end string) (audit.ExportRequest, error) {
	var req audit.ExportRequest
	if start == "" {
		return req, fmt.Errorf("--start is required")
	}
	s, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return req, fmt.Errorf("bad --start: %w", err)
	}
	req.Start = s
	if end != "" {
		e, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return req, fmt.Errorf("bad --end: %w", err)
		}
		req.End = e
	}
	return req, nil
}

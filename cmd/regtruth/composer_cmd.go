package main

import (
	"context"
	"fmt"
	"io"

	"github.com/regtruth/regtruth/pkg/compose"
	"github.com/regtruth/regtruth/pkg/llm"
)

func runComposerCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "batch" {
		fmt.Fprintln(stderr, "Usage: regtruth composer batch")
		return 2
	}

	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	c := compose.New(a.store, a.runner(), a.logger)
	res, err := c.RunBatch(ctx, llm.Correlation{QueueName: "cli"})
	if err != nil {
		fmt.Fprintf(stderr, "Batch failed: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Composed %d rule groups (%d failed, %d conflicts)\n",
		res.Succeeded, res.Failed, res.Conflicts)
	for _, e := range res.Errors {
		fmt.Fprintf(stdout, "  error: %s\n", e)
	}
	if res.Failed > 0 {
		return 1
	}
	return 0
}

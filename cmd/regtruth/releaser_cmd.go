package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/regtruth/regtruth/pkg/llm"
	"github.com/regtruth/regtruth/pkg/release"
)

func runReleaserCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: regtruth releaser <release|rollback> [flags]")
		return 2
	}

	switch args[0] {
	case "release":
		return runReleaserRelease(args[1:], stdout, stderr)
	case "rollback":
		return runReleaserRollback(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown releaser subcommand: %s\n", args[0])
		return 2
	}
}

func runReleaserRelease(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("releaser release", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	rules := cmd.String("rules", "", "Comma-separated rule ids to publish (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	ruleIDs := splitIDs(*rules)
	if len(ruleIDs) == 0 {
		fmt.Fprintln(stderr, "Error: --rules is required")
		return 2
	}

	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	r := release.New(a.store, a.runner(), a.queue, a.logger)
	rel, err := r.Release(ctx, ruleIDs, llm.Correlation{QueueName: "cli"})
	if err != nil {
		if errors.Is(err, release.ErrGateFailed) {
			fmt.Fprintf(stderr, "Gate failed: %v\n", err)
		} else {
			fmt.Fprintf(stderr, "Release failed: %v\n", err)
		}
		return 1
	}

	fmt.Fprintf(stdout, "Released %s: %d rules, content hash %s\n",
		rel.Version, len(rel.RuleIDs), rel.ContentHash)
	return 0
}

func runReleaserRollback(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("releaser rollback", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	version := cmd.String("version", "", "Release version to roll back (REQUIRED)")
	dryRun := cmd.Bool("dry-run", false, "Show the rollback plan without applying it")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *version == "" {
		fmt.Fprintln(stderr, "Error: --version is required")
		return 2
	}

	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	r := release.New(a.store, a.runner(), a.queue, a.logger)

	if *dryRun {
		_, plan, err := r.PlanRollback(ctx, *version)
		if err != nil {
			fmt.Fprintf(stderr, "Rollback plan failed: %v\n", err)
			return 1
		}
		printRollbackPlan(stdout, plan, true)
		return 0
	}

	plan, err := r.Rollback(ctx, *version)
	if err != nil {
		fmt.Fprintf(stderr, "Rollback failed: %v\n", err)
		return 1
	}
	printRollbackPlan(stdout, plan, false)
	return 0
}

func printRollbackPlan(w io.Writer, plan *release.RollbackPlan, dryRun bool) {
	verb := "Rolled back"
	if dryRun {
		verb = "Would roll back"
	}
	fmt.Fprintf(w, "%s %s: %d rules revert to APPROVED, %d stay PUBLISHED\n",
		verb, plan.Version, len(plan.RevertRuleIDs), len(plan.KeepPublished))
	for _, id := range plan.RevertRuleIDs {
		fmt.Fprintf(w, "  revert %s\n", id)
	}
}

func splitIDs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

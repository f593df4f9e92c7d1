package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/regtruth/regtruth/pkg/config"
)

// runSeedCmd loads YAML source catalogs into the source registry.
// Upserts are idempotent, so re-seeding after a catalog edit is safe.
func runSeedCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("seed", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	dir := cmd.String("dir", "catalogs", "Directory holding sources_<code>.yaml files")
	code := cmd.String("code", "", "Seed a single jurisdiction; empty seeds all")
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

	var catalogs []*config.SourceCatalog
	if *code != "" {
		c, err := config.LoadCatalog(*dir, *code)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		catalogs = append(catalogs, c)
	} else {
		all, err := config.LoadAllCatalogs(*dir)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		for _, c := range all {
			catalogs = append(catalogs, c)
		}
	}

	total := 0
	for _, c := range catalogs {
		for _, entry := range c.Sources {
			if err := a.store.Sources.Upsert(ctx, entry.Model()); err != nil {
				fmt.Fprintf(stderr, "Error: upsert %s: %v\n", entry.Slug, err)
				return 1
			}
			total++
		}
		fmt.Fprintf(stdout, "Seeded %s: %d sources\n", c.Code, len(c.Sources))
	}
	fmt.Fprintf(stdout, "Done: %d sources across %d catalogs\n", total, len(catalogs))
	return 0
}

// regtruth runs the regulatory-truth pipeline: scheduled source
// fetching, LLM extraction and composition, review, gated releases,
// and the watchdog monitors. Subcommands drive individual stages for
// operations work; the default mode runs the full worker pool.
package main

import (
	"fmt"
	"io"
	"os"

	_ "github.com/lib/pq"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches the CLI. Split from main for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runWorkerCmd(nil, stdout, stderr)
	}

	switch args[1] {
	case "worker", "serve":
		return runWorkerCmd(args[2:], stdout, stderr)
	case "extractor":
		return runExtractorCmd(args[2:], stdout, stderr)
	case "composer":
		return runComposerCmd(args[2:], stdout, stderr)
	case "releaser":
		return runReleaserCmd(args[2:], stdout, stderr)
	case "watchdog":
		return runWatchdogCmd(args[2:], stdout, stderr)
	case "audit":
		return runAuditCmd(args[2:], stdout, stderr)
	case "seed":
		return runSeedCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "regtruth: regulatory truth pipeline")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  regtruth <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "PIPELINE:")
	fmt.Fprintln(w, "  worker               Run all stage workers and the fetch scheduler (default)")
	fmt.Fprintln(w, "  extractor run        Extract one evidence row (--evidence-id)")
	fmt.Fprintln(w, "  extractor batch      Extract pending evidence (--limit)")
	fmt.Fprintln(w, "  composer batch       Compose draft rules from captured facts")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "RELEASES:")
	fmt.Fprintln(w, "  releaser release     Publish approved rules (--rules id,id,...)")
	fmt.Fprintln(w, "  releaser rollback    Roll back the latest release (--version, --dry-run)")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "OPERATIONS:")
	fmt.Fprintln(w, "  watchdog run         Run the health monitors once")
	fmt.Fprintln(w, "  watchdog audit       Build and send the 24h pipeline digest")
	fmt.Fprintln(w, "  audit export         Export the audit log (--start, --end, --pack)")
	fmt.Fprintln(w, "  seed                 Load source catalogs into the registry (--dir, --code)")
	fmt.Fprintln(w, "  help                 Show this help")
	fmt.Fprintln(w, "")
}

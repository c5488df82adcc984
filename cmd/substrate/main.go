// Command substrate is the bootstrapper for the cybernetic substrate
// kernel (C1-C10): it wires a Repository, the policy runtimes, Prism, and
// the effect dispatcher, then exposes the maintenance surface the kernel
// itself doesn't: bundle export/import (C8), plus a thin "observe"
// command that drives one observation through the reactive cycle (§2) for
// operators who want to exercise it outside an embedding program. There
// is no server loop and no HTTP/RPC transport here, per §6 "no
// command-line surface is part of the core" — this binary is a thin
// bootstrapper, not a surface, mirroring the split between the teacher's
// cmd/helm and cmd/bootstrap.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/vellum-systems/substrate/pkg/bundle"
	"github.com/vellum-systems/substrate/pkg/config"
	"github.com/vellum-systems/substrate/pkg/ingestion"
	"github.com/vellum-systems/substrate/pkg/model"
)

func main() {
	os.Exit(run(os.Args, os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "bundle":
		return runBundleCmd(args[2:], stdout, stderr)
	case "observe":
		return runObserveCmd(stdin, stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "substrate: a personal-cybernetics substrate kernel")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "usage: substrate <command> [args]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  bundle export <dir>   export the configured repository to a bundle directory")
	fmt.Fprintln(w, "  bundle import <dir>   import a bundle directory into the configured repository")
	fmt.Fprintln(w, "  observe               read one observation as JSON from stdin, run it through")
	fmt.Fprintln(w, "                        the reactive cycle (ingest, trigger, evaluate, dispatch),")
	fmt.Fprintln(w, "                        and print the resulting outcome (observation, triggered")
	fmt.Fprintln(w, "                        policies, evaluation result, dispatch summary) as JSON")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "configuration is read entirely from the environment (DATABASE_URL, ...);")
	fmt.Fprintln(w, "there are no other flags.")
}

func runBundleCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprintln(stderr, "usage: substrate bundle <export|import> <dir>")
		return 2
	}
	dir := args[1]

	ctx := context.Background()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 2
	}
	configureLogging(cfg)

	sub, err := bootstrap(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "bootstrap: %v\n", err)
		return 2
	}
	defer func() { _ = sub.shutdown(ctx) }()

	switch args[0] {
	case "export":
		if err := bundle.Export(ctx, sub.repo, dir); err != nil {
			fmt.Fprintf(stderr, "export: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "exported to %s\n", dir)
		return 0
	case "import":
		report, err := bundle.Import(ctx, sub.repo, dir, bundle.ImportOptions{SkipExisting: true})
		if err != nil {
			fmt.Fprintf(stderr, "import: %v\n", err)
			return 1
		}
		printImportReport(stdout, report)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown bundle subcommand: %s\n", args[0])
		return 2
	}
}

// observeInput is the JSON shape runObserveCmd reads from stdin: the same
// fields ingestion.Input exposes to an embedding program, restated as
// wire-friendly types (a string timestamp instead of *time.Time).
type observeInput struct {
	NodeID     string           `json:"nodeId"`
	Type       string           `json:"type"`
	Timestamp  string           `json:"timestamp,omitempty"`
	Payload    any              `json:"payload"`
	Provenance model.Provenance `json:"provenance"`
	Tags       []string         `json:"tags,omitempty"`
}

func runObserveCmd(stdin io.Reader, stdout, stderr io.Writer) int {
	var in observeInput
	if err := json.NewDecoder(stdin).Decode(&in); err != nil {
		fmt.Fprintf(stderr, "decode observation: %v\n", err)
		return 2
	}

	ctx := context.Background()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 2
	}
	configureLogging(cfg)

	sub, err := bootstrap(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "bootstrap: %v\n", err)
		return 2
	}
	defer func() { _ = sub.shutdown(ctx) }()

	ingestIn := ingestion.Input{
		NodeID:     in.NodeID,
		Type:       in.Type,
		Payload:    in.Payload,
		Provenance: in.Provenance,
		Tags:       in.Tags,
	}
	if in.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, in.Timestamp)
		if err != nil {
			fmt.Fprintf(stderr, "parse timestamp: %v\n", err)
			return 2
		}
		ingestIn.Timestamp = &ts
	}

	outcome, err := sub.reactor.Observe(ctx, ingestIn)
	if err != nil {
		fmt.Fprintf(stderr, "observe: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(outcome); err != nil {
		fmt.Fprintf(stderr, "encode outcome: %v\n", err)
		return 1
	}
	return 0
}

func printImportReport(w io.Writer, report *bundle.ImportReport) {
	fmt.Fprintln(w, "import complete:")
	for kind, n := range report.Inserted {
		fmt.Fprintf(w, "  %-16s inserted %d\n", kind, n)
	}
	for kind, n := range report.Skipped {
		if n > 0 {
			fmt.Fprintf(w, "  %-16s skipped  %d (already present)\n", kind, n)
		}
	}
	for _, warning := range report.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
}

func configureLogging(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/i64shim"
	"github.com/wippyai/i64shim/errors"
)

func main() {
	var (
		inFile      = flag.String("in", "", "Path to input wasm module")
		outFile     = flag.String("out", "", "Output path (default <in>.lowered.wasm)")
		only        = flag.String("only", "", "Lower only these imports (comma-separated patterns)")
		skip        = flag.String("skip", "", "Never lower these imports (comma-separated patterns)")
		dryRun      = flag.Bool("dry-run", false, "Print the report without writing output")
		noVerify    = flag.Bool("no-verify", false, "Skip compiling the output with wazero")
		strict      = flag.Bool("strict", false, "Fail if any imported function still uses i64")
		verbose     = flag.Bool("v", false, "Verbose logging")
		interactive = flag.Bool("i", false, "Interactive review with TUI")
	)
	flag.Parse()

	if *inFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: i64shim -in <file.wasm> [-out file] [-only p,...] [-skip p,...]")
		fmt.Fprintln(os.Stderr, "       i64shim -in <file.wasm> -dry-run")
		fmt.Fprintln(os.Stderr, "       i64shim -in <file.wasm> -i  (interactive mode)")
		os.Exit(1)
	}

	if *verbose {
		log, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer log.Sync() //nolint:errcheck
		i64shim.SetLogger(log)
	}

	out := *outFile
	if out == "" {
		out = defaultOutput(*inFile)
	}

	cfg := i64shim.Config{
		Only:   splitList(*only),
		Skip:   splitList(*skip),
		Verify: !*noVerify,
		Strict: *strict,
	}

	if *interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintln(os.Stderr, "Error: -i requires a terminal")
			os.Exit(1)
		}
		if err := runInteractive(*inFile, out, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*inFile, out, cfg, *dryRun); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(inFile, outFile string, cfg i64shim.Config, dryRun bool) error {
	data, err := readModule(inFile)
	if err != nil {
		return err
	}

	res, err := i64shim.Transform(context.Background(), data, cfg)
	if res != nil {
		color := term.IsTerminal(int(os.Stdout.Fd()))
		fmt.Print(renderReport(inFile, len(data), res, color))
	}
	if err != nil {
		return err
	}

	if dryRun {
		return nil
	}
	if err := os.WriteFile(outFile, res.Output, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	fmt.Printf("Wrote %s (%d bytes)\n", outFile, len(res.Output))
	return nil
}

func readModule(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Load("read module "+path, err)
	}
	return data, nil
}

func defaultOutput(in string) string {
	return strings.TrimSuffix(in, ".wasm") + ".lowered.wasm"
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/V3idt/lattice-audit/internal/scan"
)

// Version information (set at build time with -ldflags)
var (
	Version   = scan.ToolVersion
	GitCommit = "unknown"
)

// Exit codes.
const (
	exitClean   = 0
	exitBlocked = 1
	exitUsage   = 2
	exitTimeout = 3
)

// exitError carries a process exit code through cobra. A nil err means the
// condition was already reported.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)

	err := root.Execute()
	if err == nil {
		return exitClean
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			log.Error().Err(ee.err).Msg("Command failed")
		}
		return ee.code
	}
	// Flag and argument errors from cobra itself.
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitUsage
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "lattice",
		Short:         "Static security and code-quality audit",
		Long:          `lattice walks a source tree, matches every file against a built-in catalog of security and code-quality patterns, and reports findings with a risk score.`,
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(
		newScanCmd(stdout, stderr),
		newFileCmd(stdout, stderr),
		newPatternsCmd(stdout),
		newWatchCmd(stdout, stderr),
		newVersionCmd(stdout),
	)
	return root
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(stdout, "lattice %s\n", Version)
			if GitCommit != "unknown" {
				fmt.Fprintf(stdout, "Commit: %s\n", GitCommit)
			}
		},
	}
}

// Command adaptivedemo is a thin wrapper around the adaptive runtime
// library: it builds a handful of scenario programs as ExprGraphs, runs
// them through the engine, and prints what tier each function ended up
// running at.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"j5.nz/adaptive/nexus"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var debugDir string
	var verbose bool

	root := &cobra.Command{
		Use:   "adaptivedemo",
		Short: "Run the adaptive compiler runtime's scenario walkthroughs",
	}

	scenariosCmd := &cobra.Command{
		Use:   "scenarios [name...]",
		Short: "Run one or all scenario walkthroughs and report pass/fail",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := zap.NewNop()
			if verbose {
				var err error
				log, err = zap.NewDevelopment()
				if err != nil {
					return err
				}
			}
			return runScenarios(cmd, args, log, debugDir)
		},
	}
	scenariosCmd.Flags().StringVar(&debugDir, "debug-dir", "", "write a uuid-tagged compile dump per Nexus compile into this directory")
	scenariosCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log compile/deopt decisions at debug level")

	root.AddCommand(scenariosCmd)
	return root
}

func runScenarios(cmd *cobra.Command, names []string, log *zap.Logger, debugDir string) error {
	var debug nexus.DebugSink
	if debugDir != "" {
		sink, err := newFileDebugSink(debugDir, log)
		if err != nil {
			return err
		}
		debug = sink
	}

	wanted := map[string]bool{}
	for _, n := range names {
		wanted[n] = true
	}

	failed := 0
	for _, s := range scenarios {
		if len(wanted) > 0 && !wanted[s.name] {
			continue
		}
		detail, ok := s.run(log, debug)
		status := "PASS"
		if !ok {
			status = "FAIL"
			failed++
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-32s %s  %s\n", s.name, status, detail)
	}
	if failed > 0 {
		return fmt.Errorf("%d scenario(s) failed", failed)
	}
	return nil
}

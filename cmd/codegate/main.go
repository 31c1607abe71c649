// codegate runs untrusted scripts against a generated binding API inside a sandbox.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "codegate",
	Short: "codegate: sandboxed script execution over generated operation bindings.",
	Long: `codegate executes caller-supplied JavaScript against a namespace of bound
operations. Scripts are screened, rate limited, and run in a restricted runtime
or a resource-limited worker process. Transactions a failed script leaves open
are rolled back, and every execution is audited.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (json, yaml, or toml)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format: json or text")
	rootCmd.AddCommand(serveCmd, runCmd, validateCmd, bindingsCmd, versionCmd, workerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

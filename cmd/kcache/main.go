// Package main implements the kcache CLI.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"kcache/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "kcache",
	Short: "Compile GPU kernels to PTX and cubins with a persistent cache",
	Long: `kcache lowers LLVM IR kernels to PTX with llc, assembles them with ptxas,
and keeps every artifact in a content-addressed cache directory so that later
runs skip the external tools entirely.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupRun,
}

func main() {
	rootCmd.Version = version.Version

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(versionCmd)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "path to kcache.toml (default: search upward from the working directory)")
	flags.String("cache-dir", "", "persistent cache directory (overrides KCACHE_DIR)")
	flags.String("log-level", "", "log level (debug|info|warn|error)")
	flags.String("color", "auto", "colorize output (auto|on|off)")
	flags.String("trace", "", "trace output file (- for stderr)")
	flags.String("trace-level", "off", "trace level (off|error|stage|artifact|debug)")
	flags.String("trace-mode", "stream", "trace storage mode (stream|ring|both)")
	flags.Int("trace-ring-size", 4096, "ring buffer capacity in events")
	flags.Duration("trace-heartbeat", 0, "emit a heartbeat event at this interval (0 disables)")
	flags.String("cpu-profile", "", "write a CPU profile to this file")
	flags.String("mem-profile", "", "write a heap profile to this file")
	flags.String("runtime-trace", "", "write a Go execution trace to this file")

	err := rootCmd.Execute()
	runCleanups()
	if err != nil {
		os.Exit(1)
	}
}

// isTerminal reports whether f is a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

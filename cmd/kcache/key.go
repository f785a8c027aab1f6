package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kcache/internal/artifactstore"
	"kcache/internal/cachekey"
)

var keyCmd = &cobra.Command{
	Use:   "key [flags] <kernel.ll>",
	Short: "Print the cache key and file names for a kernel",
	Args:  cobra.ExactArgs(1),
	RunE:  keyExecution,
}

func init() {
	keyCmd.Flags().String("arch", "", "target compute capability (default from config)")
	keyCmd.Flags().Bool("disable-optimizations", false, "derive the key for -O0")
	keyCmd.Flags().StringArray("ptxas-flag", nil, "extra ptxas flag (repeatable)")
	keyCmd.Flags().String("toolkit-dir", "", "CUDA toolkit root")
}

func keyExecution(cmd *cobra.Command, args []string) error {
	cfg := state.cfg
	if err := applyBuildFlags(cmd, &cfg); err != nil {
		return err
	}
	arch, err := cfg.Arch()
	if err != nil {
		return err
	}
	ir, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	key := cachekey.New(ir, arch, cfg.Options())

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, key.String())
	fmt.Fprintf(out, "  arch   %s\n", arch)
	fmt.Fprintf(out, "  ptx    %s\n", artifactstore.FileName(key, artifactstore.KindText))
	fmt.Fprintf(out, "  cubin  %s\n", artifactstore.FileName(key, artifactstore.KindBinary))
	return nil
}

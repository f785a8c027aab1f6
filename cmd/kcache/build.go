package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"kcache/internal/artifactstore"
	"kcache/internal/buildpipeline"
	"kcache/internal/cachekey"
	"kcache/internal/config"
	"kcache/internal/observ"
	"kcache/internal/toolchain"
)

var buildCmd = &cobra.Command{
	Use:   "build [flags] <kernel.ll>...",
	Short: "Compile kernels to PTX and cubins",
	Long: `Compile each LLVM IR file to PTX and, when ptxas succeeds, to a cubin.
Outputs are written next to the inputs (or into --out-dir) as <name>.ptx and
<name>.cubin. A kernel whose assembly fails keeps only its PTX, which the
driver compiles at load time.`,
	Args: cobra.MinimumNArgs(1),
	RunE: buildExecution,
}

func init() {
	buildCmd.Flags().String("arch", "", "target compute capability, e.g. 8.6 or sm_86 (default from config)")
	buildCmd.Flags().IntP("jobs", "j", 0, "kernels compiled in parallel (0 = GOMAXPROCS)")
	buildCmd.Flags().Bool("disable-optimizations", false, "compile with -O0")
	buildCmd.Flags().StringArray("ptxas-flag", nil, "extra ptxas flag (repeatable)")
	buildCmd.Flags().String("toolkit-dir", "", "CUDA toolkit root searched for llc and ptxas")
	buildCmd.Flags().String("out-dir", "", "directory for outputs (default: next to each input)")
	buildCmd.Flags().Bool("create-cache-dir", false, "create the cache directory if it does not exist")
	buildCmd.Flags().Bool("print-commands", false, "print external tool invocations")
	buildCmd.Flags().String("ui", "auto", "progress UI (auto|on|off)")
	buildCmd.Flags().Bool("timings", false, "print timing summary")
}

type buildFlags struct {
	outDir        string
	printCommands bool
	ui            uiMode
	timings       bool
}

func buildExecution(cmd *cobra.Command, args []string) error {
	cfg := state.cfg
	if err := applyBuildFlags(cmd, &cfg); err != nil {
		return err
	}
	var bf buildFlags
	var err error
	if bf.outDir, err = cmd.Flags().GetString("out-dir"); err != nil {
		return err
	}
	if bf.printCommands, err = cmd.Flags().GetBool("print-commands"); err != nil {
		return err
	}
	if bf.timings, err = cmd.Flags().GetBool("timings"); err != nil {
		return err
	}
	uiValue, err := cmd.Flags().GetString("ui")
	if err != nil {
		return err
	}
	if bf.ui, err = readUIMode(uiValue); err != nil {
		return err
	}

	arch, err := cfg.Arch()
	if err != nil {
		return err
	}
	if err := checkOutputBases(args, bf.outDir); err != nil {
		return err
	}
	timer := observ.NewTimer()

	var reqs []buildpipeline.Request
	err = timer.Measure("read inputs", func() error {
		reqs, err = readRequests(args, arch, cfg.Options())
		return err
	})
	if err != nil {
		return err
	}

	var store *artifactstore.Store
	_ = timer.Measure("open cache", func() error {
		store = openStore(cfg)
		return nil
	})

	tcOpts := []toolchain.Option{
		toolchain.WithLLC(cfg.Toolchain.LLC),
		toolchain.WithPtxas(cfg.Toolchain.Ptxas),
		toolchain.WithLogger(state.logger),
	}
	useTUI := shouldUseTUI(bf.ui)
	if bf.printCommands && !useTUI {
		tcOpts = append(tcOpts, toolchain.WithPrintCommands(cmd.ErrOrStderr()))
	}
	backend := buildpipeline.New(store, toolchain.New(tcOpts...), buildpipeline.WithLogger(state.logger))

	var results []buildpipeline.Result
	buildIdx := timer.Begin("build")
	if useTUI {
		results, err = runBuildWithUI(cmd.Context(), fmt.Sprintf("kcache build (%s)", arch), backend, reqs, cfg.Build.Jobs)
	} else {
		results, err = backend.BuildAll(cmd.Context(), reqs, cfg.Build.Jobs, nil)
	}
	timer.End(buildIdx, fmt.Sprintf("%d kernels", len(reqs)))

	var writeErr error
	_ = timer.Measure("write outputs", func() error {
		writeErr = writeOutputs(results, bf.outDir)
		return writeErr
	})

	printResults(cmd.OutOrStdout(), results)
	if bf.timings {
		fmt.Fprint(cmd.ErrOrStderr(), timer.Summary())
		printStageTimings(cmd.ErrOrStderr(), results)
	}
	return errors.Join(err, writeErr)
}

// applyBuildFlags overlays build flags on the configuration.
func applyBuildFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("arch") {
		cfg.Build.Arch, _ = flags.GetString("arch")
	}
	if flags.Changed("jobs") {
		cfg.Build.Jobs, _ = flags.GetInt("jobs")
	}
	if flags.Changed("disable-optimizations") {
		cfg.Build.DisableOptimizations, _ = flags.GetBool("disable-optimizations")
	}
	if flags.Changed("ptxas-flag") {
		cfg.Toolchain.PtxasFlags, _ = flags.GetStringArray("ptxas-flag")
	}
	if flags.Changed("toolkit-dir") {
		cfg.Toolchain.ToolkitDir, _ = flags.GetString("toolkit-dir")
	}
	if flags.Changed("create-cache-dir") {
		cfg.Cache.CreateDir, _ = flags.GetBool("create-cache-dir")
	}
	return cfg.Validate()
}

func openStore(cfg config.Config) *artifactstore.Store {
	return artifactstore.Open(cfg.Cache.Dir,
		artifactstore.WithLogger(state.logger),
		artifactstore.WithCreate(cfg.Cache.CreateDir),
		artifactstore.WithJobs(cfg.Cache.LoadJobs),
	)
}

func readRequests(paths []string, arch cachekey.Arch, opts cachekey.Options) ([]buildpipeline.Request, error) {
	seen := make(map[string]struct{}, len(paths))
	reqs := make([]buildpipeline.Request, 0, len(paths))
	for _, p := range paths {
		clean := filepath.Clean(p)
		if _, dup := seen[clean]; dup {
			continue
		}
		seen[clean] = struct{}{}
		ir, err := os.ReadFile(clean)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		reqs = append(reqs, buildpipeline.Request{Name: clean, IR: ir, Arch: arch, Options: opts})
	}
	return reqs, nil
}

func outputBase(name, outDir string) string {
	stem := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	dir := filepath.Dir(name)
	if outDir != "" {
		dir = outDir
	}
	return filepath.Join(dir, stem)
}

// checkOutputBases fails when two inputs would write the same output files,
// e.g. a/k.ll and b/k.ll under one --out-dir.
func checkOutputBases(names []string, outDir string) error {
	seen := make(map[string]string, len(names))
	for _, name := range names {
		base := filepath.Clean(outputBase(name, outDir))
		if prev, ok := seen[base]; ok && filepath.Clean(prev) != filepath.Clean(name) {
			return fmt.Errorf("%s and %s both write %s.{ptx,cubin}", prev, name, base)
		}
		seen[base] = name
	}
	return nil
}

func writeOutputs(results []buildpipeline.Result, outDir string) error {
	names := make([]string, 0, len(results))
	for _, res := range results {
		names = append(names, res.Name)
	}
	if err := checkOutputBases(names, outDir); err != nil {
		return err
	}
	if outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}
	var errs []error
	for _, res := range results {
		if res.Err != nil || len(res.PTX) == 0 {
			continue
		}
		base := outputBase(res.Name, outDir)
		if err := os.WriteFile(base+".ptx", res.PTX, 0o644); err != nil {
			errs = append(errs, err)
		}
		cubinPath := base + ".cubin"
		if res.Fallback {
			// A stale cubin from an earlier run would shadow the PTX.
			if err := os.Remove(cubinPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		if err := os.WriteFile(cubinPath, res.Cubin, 0o644); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	okColor       = color.New(color.FgGreen, color.Bold)
	fallbackColor = color.New(color.FgYellow, color.Bold)
	errorColor    = color.New(color.FgRed, color.Bold)
	dimColor      = color.New(color.Faint)
)

func printResults(out io.Writer, results []buildpipeline.Result) {
	for _, res := range results {
		switch {
		case res.Err != nil:
			fmt.Fprintf(out, "%s %s: %v\n", errorColor.Sprint("error   "), res.Name, res.Err)
		case res.Fallback:
			reason := "assembly failed earlier in this run"
			if res.FallbackReason != nil {
				reason = firstLine(res.FallbackReason.Error())
			}
			fmt.Fprintf(out, "%s %s %s\n", fallbackColor.Sprint("fallback"), res.Name, dimColor.Sprintf("(ptx only: %s)", reason))
		default:
			fmt.Fprintf(out, "%s %s %s\n", okColor.Sprint("ok      "), res.Name,
				dimColor.Sprintf("(%s, %s, %s)", res.Key.Short(), byteSize(int64(len(res.Cubin))), describeSources(res)))
		}
	}
}

func describeSources(res buildpipeline.Result) string {
	lower := res.Sources[buildpipeline.StageLower]
	asm := res.Sources[buildpipeline.StageAssemble]
	if lower == asm {
		return string(asm)
	}
	return fmt.Sprintf("ptx %s, cubin %s", lower, asm)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

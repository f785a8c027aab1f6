package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"fortio.org/safecast"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"kcache/internal/artifactstore"
)

var errNoCacheDir = errors.New("no cache directory configured (set KCACHE_DIR, cache.dir in kcache.toml, or --cache-dir)")

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the persistent cache directory",
}

var cacheLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List cached artifacts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openCacheForInspection()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tKIND\tSIZE")
		for _, e := range store.Entries() {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Key, e.Kind, byteSize(int64(e.Size)))
		}
		return tw.Flush()
	},
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the cache directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openCacheForInspection()
		if err != nil {
			return err
		}
		st := store.Stats()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "directory  %s\n", st.Dir)
		fmt.Fprintf(out, "kernels    %s ptx, %s cubin\n", humanize.Comma(int64(st.Texts)), humanize.Comma(int64(st.Binaries)))
		fmt.Fprintf(out, "size       %s\n", byteSize(st.Bytes))
		if !st.Persistent {
			fmt.Fprintf(out, "%s    directory unavailable, nothing was loaded\n", fallbackColor.Sprint("warning"))
		}
		return nil
	},
}

var cacheVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Report files that would be ignored when the cache is loaded",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir := state.cfg.Cache.Dir
		if dir == "" {
			return errNoCacheDir
		}
		res, err := artifactstore.Scan(dir, state.cfg.Cache.LoadJobs)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		problems := 0
		for _, s := range res.Skipped {
			problems++
			fmt.Fprintf(out, "%s %s: %v\n", errorColor.Sprint("skip "), s.Name, s.Reason)
		}
		for _, a := range res.Artifacts {
			if len(a.Data) == 0 {
				problems++
				fmt.Fprintf(out, "%s %s: empty file\n", errorColor.Sprint("empty"), a.Path)
			}
		}
		if problems > 0 {
			return fmt.Errorf("%d of %d files are unusable", problems, len(res.Artifacts)+len(res.Skipped))
		}
		fmt.Fprintf(out, "%s %d artifacts\n", okColor.Sprint("ok"), len(res.Artifacts))
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheLsCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheVerifyCmd)
}

// byteSize renders n in IEC units.
func byteSize(n int64) string {
	u, err := safecast.Conv[uint64](n)
	if err != nil {
		return "?"
	}
	return humanize.IBytes(u)
}

func openCacheForInspection() (*artifactstore.Store, error) {
	if state.cfg.Cache.Dir == "" {
		return nil, errNoCacheDir
	}
	cfg := state.cfg
	cfg.Cache.CreateDir = false
	return openStore(cfg), nil
}

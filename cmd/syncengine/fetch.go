package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/objectfs/syncengine/internal/batch"
	"github.com/objectfs/syncengine/internal/config"
	"github.com/objectfs/syncengine/pkg/engine"
	"github.com/objectfs/syncengine/pkg/types"
)

type fetchOptions struct {
	urlsFile    string
	concurrency int
	cacheType   string
}

func newFetchCmd(flags *globalFlags) *cobra.Command {
	opts := &fetchOptions{}

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch every URL in a file as one batch",
		Long: `fetch reads URLs one per line (blank lines and lines starting with # are
skipped) and executes them as a single batch. With --cache-type the responses are
cached under "<type>_<url>" and later runs are answered from the cache.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			opts.apply(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runFetch(ctx, cfg, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&opts.urlsFile, "urls", "u", "", "file with one URL per line (- for stdin)")
	cmd.Flags().IntVarP(&opts.concurrency, "concurrency", "n", 0, "upper bound on in-flight requests")
	cmd.Flags().StringVarP(&opts.cacheType, "cache-type", "t", "", "cache responses under this cache type")
	_ = cmd.MarkFlagRequired("urls")
	return cmd
}

// apply folds the fetch flags into cfg
func (o *fetchOptions) apply(cfg *config.Configuration) {
	if n := o.concurrency; n > 0 {
		c := &cfg.Concurrency
		c.MaxConcurrent = n
		c.BaseConcurrent = min(c.BaseConcurrent, n)
		c.MinConcurrent = min(c.MinConcurrent, n)
		if cfg.Pool.MaxSize < n {
			cfg.Pool.MaxSize = n
		}
	}
}

func runFetch(ctx context.Context, cfg *config.Configuration, opts *fetchOptions, stdout, stderr io.Writer) error {
	reqs, err := readRequests(opts.urlsFile, opts.cacheType)
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		return fmt.Errorf("no URLs in %s", opts.urlsFile)
	}

	shutdownTracing := func(context.Context) error { return nil }
	if cfg.Tracing.Enabled {
		shutdownTracing, err = setupTracing(cfg.Tracing, stderr)
		if err != nil {
			return err
		}
	}

	eng, err := engine.New(ctx, cfg)
	if err != nil {
		_ = shutdownTracing(context.Background())
		return fmt.Errorf("failed to start engine: %w", err)
	}

	out := eng.ExecuteBatch(ctx, reqs)
	printBatch(stdout, reqs, out)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(stderr, "shutdown: %v\n", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		fmt.Fprintf(stderr, "tracing shutdown: %v\n", err)
	}

	if out.Err != nil {
		return out.Err
	}
	if out.Summary.Succeeded < out.Summary.Total {
		return fmt.Errorf("%d of %d requests failed", out.Summary.Total-out.Summary.Succeeded, out.Summary.Total)
	}
	return nil
}

// readRequests parses a URL list. path "-" reads stdin.
func readRequests(path, cacheType string) ([]*types.Request, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open url list: %w", err)
		}
		defer f.Close()
		r = f
	}

	var reqs []*types.Request
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		req := &types.Request{Method: "GET", URL: line}
		if cacheType != "" {
			req.CacheKey = cacheType + "_" + line
			req.CacheType = cacheType
		}
		reqs = append(reqs, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read url list: %w", err)
	}
	return reqs, nil
}

func printBatch(w io.Writer, reqs []*types.Request, out *batch.BatchResult) {
	for i, res := range out.Results {
		status := "OK"
		switch {
		case res.FromCache:
			status = "CACHED"
		case !res.Success:
			status = "FAIL"
		}
		line := fmt.Sprintf("%-6s %3d %8s %s", status, res.StatusCode, res.Timing.Total.Round(time.Millisecond), reqs[i].URL)
		if res.Err != nil {
			line += "  " + res.Err.Error()
		}
		fmt.Fprintln(w, line)
	}

	s := out.Summary
	fmt.Fprintf(w, "\n%d requests: %d succeeded (%d cached), %d failed, %d timed out, %d not attempted in %s\n",
		s.Total, s.Succeeded, s.Cached, s.Failed, s.TimedOut, s.NotAttempted, s.Duration.Round(time.Millisecond))
	if len(s.Concurrency) > 0 {
		fmt.Fprintf(w, "sub-batches: %d, concurrency: %v, attempts: %d\n", s.SubBatches, s.Concurrency, s.Attempts)
	}
}

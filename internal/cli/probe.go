package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/guardian/internal/control"
	"github.com/vietddude/guardian/internal/infra/transport"
	"github.com/vietddude/guardian/internal/resilience/executor"
)

var (
	probeMethod      string
	probeData        string
	probeNoCache     bool
	probeFallbackURL string
	probeTimeout     time.Duration
)

var probeCmd = &cobra.Command{
	Use:   "probe [url]",
	Short: "Execute one request through the resilient executor",
	Args:  cobra.ExactArgs(1),
	Run:   runProbe,
}

func init() {
	probeCmd.Flags().StringVar(&probeMethod, "method", "GET", "HTTP method")
	probeCmd.Flags().StringVar(&probeData, "data", "", "request body")
	probeCmd.Flags().BoolVar(&probeNoCache, "no-cache", false, "bypass the response cache")
	probeCmd.Flags().StringVar(&probeFallbackURL, "fallback-url", "", "alternate endpoint tried once after a terminal failure")
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 2*time.Minute, "overall deadline including retries")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	app, err := control.NewPipeline(control.Config{App: cfg, DisableServer: true})
	if err != nil {
		slog.Error("Failed to initialize pipeline", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start pipeline", "error", err)
		os.Exit(1)
	}

	req := transport.Request{
		Method: strings.ToUpper(probeMethod),
		URL:    args[0],
	}
	if probeData != "" {
		req.Body = []byte(probeData)
	}

	var opts []executor.CallOption
	if probeNoCache {
		opts = append(opts, executor.WithoutCache())
	}
	if probeFallbackURL != "" {
		opts = append(opts, executor.WithFallback(&executor.FallbackPolicy{AlternateURL: probeFallbackURL}))
	}

	res, execErr := app.Executor().Execute(ctx, req, opts...)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "METHOD\tURL\tSTATUS\tATTEMPTS\tCACHE\tFALLBACK\tBYTES")
	if execErr != nil {
		attempts := 0
		var e *executor.Error
		if errors.As(execErr, &e) {
			attempts = e.Attempts
		}
		status := "-"
		if code := transport.StatusCode(execErr); code != 0 {
			status = fmt.Sprint(code)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n", req.Method, req.URL, status, attempts, "miss", "-", "-")
	} else {
		cacheCol := "miss"
		if res.FromCache {
			cacheCol = "hit"
		}
		fallback := res.Fallback
		if fallback == "" {
			fallback = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%d\n",
			req.Method, req.URL, res.Response.StatusCode, res.Attempts, cacheCol, fallback, len(res.Response.Body))
	}
	_ = w.Flush()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		slog.Warn("Error during shutdown", "error", err)
	}

	if execErr != nil {
		slog.Error("Probe failed", "error", execErr)
		os.Exit(1)
	}
}

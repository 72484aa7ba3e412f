package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/guardian/internal/health"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show capture statistics of a running guardian",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "base URL of the health server (default http://localhost:<server.port>)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	addr := statusAddr
	if addr == "" {
		addr = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/health", nil)
	if err != nil {
		slog.Error("Invalid address", "error", err)
		os.Exit(1)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		slog.Error("Failed to reach health server", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var report health.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		slog.Error("Failed to decode health report", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Status: %s\n\n", report.Status)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "METRIC\tVALUE")
	_, _ = fmt.Fprintf(w, "captured\t%d\n", report.Errors.Total)
	_, _ = fmt.Fprintf(w, "reported\t%d\n", report.Errors.Reported)
	_, _ = fmt.Fprintf(w, "diagnostic queued\t%d\n", report.Errors.Queued)
	_, _ = fmt.Fprintf(w, "diagnostic dropped\t%d\n", report.Errors.Dropped)
	_, _ = fmt.Fprintf(w, "telemetry queued\t%d\n", report.TelemetryQueue)
	_, _ = fmt.Fprintf(w, "telemetry dropped\t%d\n", report.TelemetryDrops)

	for _, kind := range slices.Sorted(maps.Keys(report.Errors.ByKind)) {
		_, _ = fmt.Fprintf(w, "type %s\t%d\n", kind, report.Errors.ByKind[kind])
	}
	_ = w.Flush()
}

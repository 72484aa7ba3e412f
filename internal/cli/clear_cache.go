package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/guardian/internal/core/config"
	redisclient "github.com/vietddude/guardian/internal/infra/redis"
)

var clearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Invalidate every cached response in the shared Redis cache",
	Args:  cobra.NoArgs,
	Run:   runClearCache,
}

func init() {
	rootCmd.AddCommand(clearCacheCmd)
}

func runClearCache(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if cfg.Cache.Backend != config.CacheRedis {
		fmt.Println("Memory cache lives inside the serving process; nothing to clear")
		return
	}

	client, err := redisclient.NewClient(cfg.Redis, cfg.Cache.TTL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = client.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.InvalidateAll(ctx); err != nil {
		slog.Error("Failed to clear cache", "error", err)
		os.Exit(1)
	}

	fmt.Println("Successfully cleared response cache")
}

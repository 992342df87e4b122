package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"semcache/internal/cache"
	"semcache/internal/config"
	"semcache/internal/embedding"
	"semcache/internal/gateway"
	"semcache/internal/janitor"
	"semcache/internal/store"
	"semcache/internal/version"
)

var (
	cfgFile string
	port    int
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "semcache",
	Short: "Semcache - semantic cache for LLM query/response pairs",
	Long: `Semcache is a two-level cache for expensive LLM calls: a versioned
key-value store for exact reuse and a namespace-scoped vector index
for similarity reuse, served over a small HTTP API.`,
	Version: version.Full(),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the cache gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Semcache %s\n", version.Full())
		if version.BuildDate != "unknown" {
			fmt.Printf("Build date: %s\n", version.BuildDate)
		}
		fmt.Printf("Go version: %s\n", version.GoVersion)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.json", "config file path")
	serverCmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides config)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(versionCmd)
}

func runServer() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port != 0 {
		cfg.Port = port
	}

	st, err := newStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect store: %w", err)
	}
	defer st.Close()

	embedder := embedding.NewOpenAI(cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.Dims)
	embedder.SetBaseURL(cfg.Embedding.BaseURL)

	svc := cache.NewService(st, embedder, log.Default())
	srv := gateway.NewServer(cfg, svc, st, embedder, log.Default())

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal: %v", sig)
		cancel()
	}()

	var j *janitor.Janitor
	if cfg.Janitor.IsEnabled() {
		schedule := cfg.Janitor.Schedule
		if schedule == "" {
			schedule = "*/5 * * * *"
		}
		j = janitor.New(svc, schedule, log.Default())
		if err := j.Start(); err != nil {
			log.Printf("WARNING: Failed to start janitor: %v", err)
		}
	}

	log.Printf("Starting Semcache gateway on port %d", cfg.Port)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("gateway failed: %w", err)
	}

	if j != nil {
		if err := j.Stop(); err != nil {
			log.Printf("WARNING: Janitor stop: %v", err)
		}
	}

	log.Println("Gateway stopped gracefully")
	return nil
}

func newStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		log.Println("WARNING: Using the in-memory store; nothing survives a restart")
		return store.NewMemory(), nil
	default:
		return store.NewRedis(store.RedisConfig{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			PoolSize: cfg.Store.Redis.PoolSize,
		})
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

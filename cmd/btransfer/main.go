// btransfer is a resumable chunked file transfer server with tiered
// storage and password-based file locking.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/btransfer/btransfer/internal/catalog"
	"github.com/btransfer/btransfer/internal/clock"
	"github.com/btransfer/btransfer/internal/config"
	"github.com/btransfer/btransfer/internal/httpd"
	"github.com/btransfer/btransfer/internal/lock"
	"github.com/btransfer/btransfer/internal/ratelimit"
	"github.com/btransfer/btransfer/internal/storage"
	"github.com/btransfer/btransfer/internal/sweep"
	"github.com/btransfer/btransfer/internal/upload"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "btransfer",
		Short: "btransfer - resumable chunked file transfer server",
		Long: `btransfer accepts large files as resumable chunked uploads, stores them
on a local or S3-compatible tier by size, and supports password-based
locking of stored files.

QUICK START:

  # Start with defaults (listens on :8081, data under /var/lib/btransfer):
  btransfer serve

  # Start with a config file:
  btransfer serve --config /etc/btransfer.yaml

For more help on any command, use: btransfer <command> --help`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transfer server",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("btransfer %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	return config.Load(cfgFile)
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	clk := clock.Real{}

	local, err := storage.NewLocal(filepath.Join(cfg.DataDir, "files"))
	if err != nil {
		return err
	}
	var remote storage.ObjectStore
	if cfg.Remote.Enabled() {
		rem, err := storage.NewRemote(storage.RemoteConfig{
			Endpoint:  cfg.Remote.Endpoint,
			Region:    cfg.Remote.Region,
			Bucket:    cfg.Remote.Bucket,
			Prefix:    cfg.Remote.Prefix,
			AccessKey: cfg.Remote.AccessKey,
			SecretKey: cfg.Remote.SecretKey,
			Insecure:  cfg.Remote.Insecure,
		})
		if err != nil {
			return err
		}
		remote = storage.WithRetry(rem, clk, storage.RetryConfig{})
		log.Info().
			Str("endpoint", cfg.Remote.Endpoint).
			Str("bucket", cfg.Remote.Bucket).
			Msg("Remote storage tier enabled")
	}
	placer := storage.NewPlacer(local, remote,
		storage.DefaultRules(cfg.RemoteThreshold.Bytes(), remote != nil))

	cat, err := catalog.New(filepath.Join(cfg.DataDir, "catalog"), placer, clk)
	if err != nil {
		return err
	}

	registry := upload.NewRegistry(upload.RegistryConfig{
		MaxFileSize:       cfg.MaxFileSize.Bytes(),
		DefaultChunkSize:  cfg.ChunkSize.Bytes(),
		MinChunkSize:      cfg.MinChunkSize.Bytes(),
		AllowedExtensions: cfg.AllowedExtensions,
	}, clk)
	chunks, err := upload.NewChunkStore(filepath.Join(cfg.DataDir, "chunks"))
	if err != nil {
		return err
	}
	assembler, err := upload.NewAssembler(registry, chunks, placer, cat,
		filepath.Join(cfg.DataDir, "staging"), cfg.FileTTL.Std(), clk)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(ratelimit.Config{
		SessionsPerWindow: cfg.RateLimits.SessionsPerMinute,
		ChunksPerWindow:   cfg.RateLimits.ChunksPerMinute,
	}, clk)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := sweep.New(registry, chunks, cat, limiter, clk, sweep.Config{
		Interval:   cfg.SweepInterval.Std(),
		SessionTTL: cfg.SessionTTL.Std(),
	})
	go sweeper.Run(ctx)

	srv := httpd.NewServer(cfg, httpd.Deps{
		Registry:  registry,
		Chunks:    chunks,
		Assembler: assembler,
		Placer:    placer,
		Catalog:   cat,
		Locks:     lock.NewEngine(),
		Limiter:   limiter,
	})

	log.Info().
		Str("version", Version).
		Str("data_dir", cfg.DataDir).
		Str("max_file_size", cfg.MaxFileSize.String()).
		Str("chunk_size", cfg.ChunkSize.String()).
		Msg("btransfer starting")

	err = srv.ListenAndServe(ctx)
	sweeper.Wait()
	if err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		return err
	}
	log.Info().Msg("Shutdown complete")
	return nil
}

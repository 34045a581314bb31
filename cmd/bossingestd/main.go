package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bossdb/bossingest/pkg/api"
	"github.com/bossdb/bossingest/pkg/cloud"
	"github.com/bossdb/bossingest/pkg/creds"
	"github.com/bossdb/bossingest/pkg/events"
	"github.com/bossdb/bossingest/pkg/log"
	"github.com/bossdb/bossingest/pkg/manager"
	"github.com/bossdb/bossingest/pkg/metrics"
	"github.com/bossdb/bossingest/pkg/queue"
	"github.com/bossdb/bossingest/pkg/resources"
	"github.com/bossdb/bossingest/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bossingestd",
	Short: "Boss ingest control plane",
	Long: `bossingestd manages volumetric image ingest jobs: it validates ingest
configurations, provisions upload queues, issues scoped upload
credentials, and drives jobs through their completion protocol.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"bossingestd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serveCmd.Flags().StringVarP(&configPath, "config", "c", "/etc/bossingest/config.yaml", "Path to configuration file")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingest API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func serve(cfg *Config) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, fmt.Sprintf("%s store open", cfg.Store.Driver))

	catalog, err := resources.NewBoltCatalog(cfg.Store.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open resource catalog: %w", err)
	}
	defer catalog.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clients, err := cloud.NewClients(ctx, cfg.AWS.Region)
	if err != nil {
		return fmt.Errorf("failed to create AWS clients: %w", err)
	}
	metrics.RegisterComponent("cloud", true, "AWS clients ready")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	mgr := manager.New(store, catalog,
		queue.NewProvisioner(clients.SQS, clients.Lambda, queue.Config{
			TileUploadedFunction: cfg.Queues.TileUploadedFunction,
			TileIngestFunction:   cfg.Queues.TileIngestFunction,
		}),
		creds.NewBroker(clients.IAM, clients.STS, store, creds.Config{
			TileBucket:   cfg.Ingest.TileBucket,
			IngestBucket: cfg.Ingest.IngestBucket,
			DurationSecs: cfg.Credentials.DurationSecs,
		}),
		clients.SFN, broker, manager.Config{
			Region:              cfg.AWS.Region,
			PopulateSFNARN:      cfg.StepFunctions.PopulateARN,
			CompleteSFNARN:      cfg.StepFunctions.CompleteARN,
			UploadSFN:           cfg.StepFunctions.UploadSFN,
			VolumetricUploadSFN: cfg.StepFunctions.VolumetricUploadSFN,
			TileIndexTable:      cfg.Ingest.TileIndexTable,
			TileBucket:          cfg.Ingest.TileBucket,
			IngestBucket:        cfg.Ingest.IngestBucket,
			IngestLambda:        cfg.Ingest.IngestLambda,
			WaitForQueuesSecs:   cfg.Ingest.WaitForQueuesSecs,
		})

	collector := metrics.NewCollector(store)
	collector.Start()
	collector.WatchEvents(broker)
	defer collector.Stop()

	server := api.NewServer(mgr, api.Config{
		Addr:         cfg.API.Addr,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	})
	metrics.RegisterComponent("api", true, "serving")

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

func openStore(cfg *Config) (storage.Store, error) {
	if cfg.Store.Driver == "postgres" {
		return storage.NewPostgresStore(cfg.Store.DSN)
	}
	return storage.NewBoltStore(cfg.Store.DataDir)
}

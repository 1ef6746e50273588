package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alfredjeanlab/rivernode/internal/admission"
	"github.com/alfredjeanlab/rivernode/internal/archive"
	"github.com/alfredjeanlab/rivernode/internal/auth"
	"github.com/alfredjeanlab/rivernode/internal/config"
	"github.com/alfredjeanlab/rivernode/internal/events"
	"github.com/alfredjeanlab/rivernode/internal/membership"
	"github.com/alfredjeanlab/rivernode/internal/metrics"
	"github.com/alfredjeanlab/rivernode/internal/server"
	"github.com/alfredjeanlab/rivernode/internal/signing"
	"github.com/alfredjeanlab/rivernode/internal/store"
	"github.com/alfredjeanlab/rivernode/internal/store/memory"
	"github.com/alfredjeanlab/rivernode/internal/store/postgres"
	"github.com/alfredjeanlab/rivernode/internal/streamlog"
	"github.com/alfredjeanlab/rivernode/internal/streamsync"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the stream node",
	GroupID: "system",
	// Override PersistentPreRunE so we don't create a gRPC client connection.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, _ := cmd.Flags().GetBool("dev")
		archiveFile, _ := cmd.Flags().GetString("archive-file")

		level := slog.LevelInfo
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if dev {
			cfg.DatabaseURL = ""
			cfg.DebugEndpoints = true
		}
		return serve(cmd.Context(), cfg, archiveFile, logger)
	},
}

func init() {
	serveCmd.Flags().Bool("dev", false, "in-memory store with debug endpoints enabled")
	serveCmd.Flags().String("archive-file", "", "also write archive snapshots to this local file")
	serveCmd.Flags().BoolP("verbose", "v", false, "debug logging")
}

func nodeSigner(cfg *config.Config, logger *slog.Logger) (*signing.SignerContext, error) {
	if cfg.NodeKey == "" {
		w, err := signing.NewWallet()
		if err != nil {
			return nil, err
		}
		logger.Warn("RIVER_NODE_KEY not set, using an ephemeral node key")
		return signing.NewSignerContext(w), nil
	}
	w, err := signing.ParseWallet(cfg.NodeKey)
	if err != nil {
		return nil, err
	}
	return signing.NewSignerContext(w), nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("using in-memory store (RIVER_DATABASE_URL not set)")
		return memory.New(), nil
	}
	return postgres.Open(ctx, cfg.DatabaseURL, postgres.Options{})
}

func serve(parent context.Context, cfg *config.Config, archiveFile string, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := nodeSigner(cfg, logger)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("error closing store", "err", err)
		}
	}()

	// Create event publisher.
	var publisher events.Publisher
	if cfg.NATSURL != "" {
		pub, err := events.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			return err
		}
		publisher = pub
		logger.Info("commit notices enabled", "nats_url", cfg.NATSURL)
	} else {
		publisher = &events.NoopPublisher{}
		logger.Info("commit notices disabled (RIVER_NATS_URL not set)")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Error("error closing publisher", "err", err)
		}
	}()

	log := streamlog.New(st, streamlog.Config{
		MiniblockMaxEvents: cfg.MiniblockMaxEvents,
		MiniblockInterval:  cfg.MiniblockInterval,
	}, logger)
	members := membership.NewTracker()
	log.AddObserver(members)
	if err := log.Load(ctx); err != nil {
		return err
	}

	pipeline := admission.New(admission.Config{
		Log:        log,
		Members:    members,
		Authorizer: auth.NewMembershipAuthorizer(members),
		Node:       node,
		Listeners:  []admission.CommitListener{events.NewNotifier(publisher, logger)},
		Logger:     logger,
	})
	engine := streamsync.NewEngine(log, streamsync.Config{QueueSize: cfg.SyncQueueSize}, logger)
	defer engine.Close()

	metrics.Init(node.Address().String(), version)

	streams := server.NewStreamServer(pipeline, log, engine, server.Options{
		Graffiti:       cfg.Graffiti,
		Version:        version,
		DebugEndpoints: cfg.DebugEndpoints,
		SyncTimeout:    cfg.SyncDefaultTimeout,
	}, logger)
	grpcServer, health := server.NewGRPCServer(streams, cfg.AuthToken, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           streams.NewHTTPHandler(cfg.AuthToken),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return log.Run(gctx) })

	if scheduler := archiveScheduler(ctx, cfg, archiveFile, log, logger); scheduler != nil {
		g.Go(func() error { return scheduler.Run(gctx) })
		logger.Info("archive scheduler started", "interval", cfg.ArchiveInterval)
	}

	logger.Info("stream node started",
		"node", node.Address(),
		"grpc_addr", cfg.GRPCAddr,
		"http_addr", cfg.HTTPAddr,
		"streams", len(log.StreamIDs()),
	)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		health.Shutdown()
		engine.Close()
		grpcServer.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if _, sealErr := log.SealAll(context.Background()); sealErr != nil {
		logger.Error("sealing open batches", "err", sealErr)
	}
	logger.Info("shutdown complete")
	return err
}

func archiveScheduler(ctx context.Context, cfg *config.Config, archiveFile string, log *streamlog.Log, logger *slog.Logger) *archive.Scheduler {
	if cfg.ArchiveInterval <= 0 {
		return nil
	}
	var dests []archive.Destination
	if cfg.ArchiveS3Bucket != "" {
		s3Dest, err := archive.NewS3Destination(ctx, archive.S3Options{
			Bucket:   cfg.ArchiveS3Bucket,
			Key:      cfg.ArchiveS3Key,
			Region:   cfg.ArchiveS3Region,
			Endpoint: cfg.ArchiveS3Endpoint,
		})
		if err != nil {
			logger.Error("failed to create S3 archive destination", "err", err)
		} else {
			dests = append(dests, s3Dest)
			logger.Info("archive S3 destination enabled", "bucket", cfg.ArchiveS3Bucket, "key", cfg.ArchiveS3Key)
		}
	}
	if archiveFile != "" {
		dests = append(dests, archive.NewFileDestination(archiveFile))
		logger.Info("archive file destination enabled", "path", archiveFile)
	}
	if len(dests) == 0 {
		return nil
	}
	return archive.NewScheduler(log, dests, cfg.ArchiveInterval, logger)
}

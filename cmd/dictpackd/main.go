// Command dictpackd keeps local word-list dictionaries in sync with their manifests.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/dictpack/internal/config"
	"github.com/and161185/dictpack/internal/download/httpdl"
	"github.com/and161185/dictpack/internal/events"
	"github.com/and161185/dictpack/internal/limiter"
	"github.com/and161185/dictpack/internal/migrate"
	"github.com/and161185/dictpack/internal/model"
	"github.com/and161185/dictpack/internal/repository"
	"github.com/and161185/dictpack/internal/repository/memory"
	"github.com/and161185/dictpack/internal/repository/postgres"
	grpcserver "github.com/and161185/dictpack/internal/server/grpc"
	"github.com/and161185/dictpack/internal/service"
	"github.com/and161185/dictpack/internal/storage"
	"github.com/and161185/dictpack/internal/worker"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

type stores struct {
	registry repository.Registry
	clients  repository.ClientRepository
	prefs    repository.PreferenceRepository
	lockout  limiter.Limiter
	close    func()
}

func openStores(ctx context.Context, cfg config.Config) (stores, error) {
	policy, lockout := cfg.Lockout()
	if cfg.Store == config.StoreMemory {
		st := stores{
			registry: memory.NewRegistry(),
			clients:  memory.NewClients(),
			prefs:    memory.NewPrefs(),
			close:    func() {},
		}
		if lockout {
			st.lockout = limiter.NewMemory(policy, nil)
		}
		return st, nil
	}
	if err := migrate.Up(ctx, cfg.DSN); err != nil {
		return stores{}, err
	}
	db, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		return stores{}, err
	}
	st := stores{
		registry: postgres.NewRegistry(db),
		clients:  postgres.NewClientRepo(db),
		prefs:    postgres.NewPrefRepo(db),
		close:    db.Close,
	}
	if lockout {
		st.lockout = limiter.NewPG(db.Pool, policy)
	}
	return st, nil
}

// main parses configuration, opens the catalog and serves the control API until signalled.
func main() {
	def := config.Default()

	// Flags
	configPath := flag.String("config", "", "YAML config file")
	addr := flag.String("addr", def.Addr, "listen address")
	dsn := flag.String("dsn", def.DSN, "PostgreSQL DSN")
	store := flag.String("store", def.Store, "catalog store: postgres or memory")
	dataDir := flag.String("data-dir", def.DataDir, "directory for downloads and installed word lists")
	jwtKey := flag.String("jwt-key", "", "HS256 verification key (required)")
	certFile := flag.String("tls-cert", "", "TLS certificate (PEM); empty serves plaintext")
	keyFile := flag.String("tls-key", "", "TLS private key (PEM)")
	grace := flag.Duration("grace", def.GracePeriod, "how long a manifest download may run before it is replaced")
	dev := flag.Bool("dev", false, "enable server reflection (dev only)")
	migrationsStatus := flag.Bool("migrations-status", false, "print migration status and exit")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	cfg := def
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			logger.Fatal("load config", zap.Error(err))
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "dsn":
			cfg.DSN = *dsn
		case "store":
			cfg.Store = *store
		case "data-dir":
			cfg.DataDir = *dataDir
		case "jwt-key":
			cfg.JWTKey = *jwtKey
		case "tls-cert":
			cfg.TLSCert = *certFile
		case "tls-key":
			cfg.TLSKey = *keyFile
		case "grace":
			cfg.GracePeriod = *grace
		}
	})

	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
		zap.String("store", cfg.Store),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *migrationsStatus {
		if err := migrate.Status(ctx, cfg.DSN); err != nil {
			logger.Fatal("migrate status", zap.Error(err))
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		logger.Fatal("open catalog", zap.Error(err))
	}
	defer st.close()

	files, err := storage.Open(filepath.Join(cfg.DataDir, "wordlists"))
	if err != nil {
		logger.Fatal("open storage", zap.Error(err))
	}
	logger.Info("word list storage", zap.String("dir", files.Root()))
	dl, err := httpdl.New(filepath.Join(cfg.DataDir, "downloads"), httpdl.Options{
		Workers: cfg.DownloadWorkers,
		Timeout: cfg.DownloadTimeout,
		Retries: cfg.DownloadRetries,
	}, logger)
	if err != nil {
		logger.Fatal("downloader", zap.Error(err))
	}
	defer dl.Close()

	hub := &events.Hub{}
	hub.Register(events.LogListener{Log: logger})
	changes := events.NewChanges()

	h := service.NewHandler(service.Deps{
		Clients:   st.clients,
		Stores:    st.registry,
		Prefs:     st.prefs,
		Downloads: dl,
		Files:     files,
		Listener:  hub,
		Signal:    changes,
		Log:       logger,
	}, service.Options{
		Grace:            cfg.GracePeriod,
		MaxFormatVersion: cfg.MaxFormatVersion,
		Provisioned:      cfg.Provisioned,
	})

	// Every state change runs on this queue.
	q := worker.New(256, logger)
	q.Start(ctx)
	defer q.Close()

	dl.OnComplete(func(id model.DownloadID) {
		err := q.Submit("download finished", func(ctx context.Context) error {
			return h.DownloadFinished(ctx, id)
		})
		if err != nil {
			logger.Warn("drop download completion", zap.String("download", string(id)), zap.Error(err))
		}
	})

	err = q.Do(ctx, "startup", func(ctx context.Context) error {
		for _, c := range cfg.ModelClients() {
			if err := h.RegisterClient(ctx, c); err != nil {
				return err
			}
		}
		if cfg.MeteredPolicy == "" {
			return nil
		}
		p, err := cfg.Metered()
		if err != nil {
			return err
		}
		return h.SetMeteredPolicy(ctx, p)
	})
	if err != nil {
		logger.Fatal("startup", zap.Error(err))
	}

	sched := &service.Scheduler{
		Updater:         h,
		Queue:           q,
		CheckInterval:   cfg.CheckInterval,
		UpdateFrequency: cfg.UpdateFrequency,
		VeryLongTime:    cfg.VeryLongTime,
		Log:             logger,
	}
	go func() { _ = sched.Run(ctx) }()
	go watchChanges(ctx, changes, logger)

	// gRPC server with interceptors
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
			grpcserver.GuardedAuthUnary([]byte(cfg.JWTKey), st.lockout, logger),
		),
	}
	if cfg.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		opts = append(opts, grpc.Creds(creds))
	}
	s := grpc.NewServer(opts...)

	app := grpcserver.New(h, q)
	grpcserver.RegisterControlServer(s, app)

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if *dev {
		reflection.Register(s)
	}

	// Listen
	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr), zap.Bool("tls", cfg.TLSCert != ""))
		errCh <- s.Serve(lis)
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
		hs.Shutdown()
		// graceful shutdown
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// watchChanges logs every wakeup of the dictionary-set signal.
func watchChanges(ctx context.Context, c *events.Changes, log *zap.Logger) {
	wake, cancel := c.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
			log.Debug("dictionary set changed")
		}
	}
}

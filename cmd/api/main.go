package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"attendance-engine/internal/api"
	"attendance-engine/internal/applog"
	"attendance-engine/internal/attendance"
	"attendance-engine/internal/audit"
	"attendance-engine/internal/cloudinary"
	"attendance-engine/internal/config"
	"attendance-engine/internal/faceclient"
	"attendance-engine/internal/intake"
	"attendance-engine/internal/lifecycle"
	"attendance-engine/internal/metrics"
	"attendance-engine/internal/queue"
	"attendance-engine/internal/roomaccess"
	"attendance-engine/internal/rotator"
	"attendance-engine/internal/session"
	"attendance-engine/internal/store"
	"attendance-engine/internal/token"
	"attendance-engine/internal/verify"
)

func main() {
	config.LoadDotEnv()
	cfg := config.Load()
	logger := applog.New(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api stopped with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.App, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	codec, err := token.NewCodec([]byte(cfg.QRSigningKey), cfg.QRIssuer)
	if err != nil {
		return err
	}

	checks := map[string]api.Check{}

	claimsQ, archiveQ, sampled, rdb := newQueues(cfg)
	if rdb != nil {
		defer rdb.Close()
		checks["redis"] = rdb.Healthy
	}

	sink := audit.Multi{audit.LogSink{Log: logger}, audit.QueueSink{Queue: archiveQ}}

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	face.RequireLiveness = cfg.FaceLiveness
	if !cfg.FaceSkip {
		if err := face.Health(ctx); err != nil {
			logger.Warn("face service not available, face captures will be rejected until it is", "err", err)
		}
		checks["face"] = func(ctx context.Context) bool { return face.Health(ctx) == nil }
	}

	sessions := session.NewStore(nil)
	vcfg := verify.DefaultConfig()
	vcfg.ClaimTimeout = cfg.ClaimTimeout
	vcfg.FaceThreshold = cfg.FaceThreshold
	vcfg.LateAfter = cfg.LateAfter
	engine := verify.New(sessions, codec, vcfg, verify.Options{
		Matcher: face,
		Audit:   sink,
		Logger:  logger,
		Metrics: m,
	})
	rot := rotator.New(sessions, codec, logger, m, nil, cfg.LifecycleTimeout)

	var doors roomaccess.ActuatorFor
	if cfg.DoorGatewayURL != "" {
		doors = roomaccess.NewHTTPDoors(cfg.DoorGatewayURL, nil)
		logger.Info("door gateway configured", "url", cfg.DoorGatewayURL)
	} else {
		doors = roomaccess.NewSimulatedDoors().For
		logger.Warn("DOOR_GATEWAY_URL not set, using simulated doors")
	}
	rooms := roomaccess.NewController(sessions, doors, roomaccess.Config{
		ActuatorTimeout: cfg.ActuatorTimeout,
		MaxAttempts:     cfg.ActuatorMaxAttempts,
		BaseBackoff:     cfg.ActuatorBackoffBase,
		MaxBackoff:      cfg.ActuatorBackoffMax,
	}, roomaccess.Options{Logger: logger, Metrics: m, Audit: sink})

	archiver := attendance.NewService(archiveQ, nil, logger, m)
	mgr := lifecycle.New(sessions, engine, rot, rooms, lifecycle.Config{
		DefaultWindow:   cfg.QRWindowDefault,
		MinWindow:       cfg.QRWindowMin,
		MaxWindow:       cfg.QRWindowMax,
		DefaultLength:   cfg.SessionLength,
		FaceThreshold:   cfg.FaceThreshold,
		CloseGrace:      cfg.CloseGrace,
		ClosedRetention: cfg.ClosedRetention,
		Timeout:         cfg.LifecycleTimeout,
	}, lifecycle.Options{Archiver: archiver, Logger: logger, Metrics: m})

	var uploader api.Uploader
	if cfg.CloudinaryEnabled() {
		uploader = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		logger.Info("cloudinary configured", "cloud", cfg.CloudinaryCloudName)
	} else {
		logger.Info("cloudinary not configured, base64 captures are refused")
	}

	g, gctx := errgroup.WithContext(ctx)

	// Single-process deployments persist the archive in-process.
	if cfg.QueueBackend == "memory" {
		var repo attendance.Store
		if db, err := store.Open(gctx, cfg.ArchiveDriver, cfg.ArchiveDSN()); err != nil {
			logger.Warn("archive db not reachable, archived sessions will be dropped", "driver", cfg.ArchiveDriver, "err", err)
		} else {
			defer db.Close()
			r := attendance.Open(db)
			if err := r.EnsureSchema(gctx); err != nil {
				return err
			}
			repo = r
			checks["db"] = db.Healthy
		}
		persister := attendance.NewService(archiveQ, repo, logger, m)
		g.Go(func() error { return persister.Run(gctx) })
	}

	if claimsQ != nil {
		pool := &intake.Pool{Queue: claimsQ, Submitter: mgr, Workers: cfg.ClaimWorkers, Log: logger, Metrics: m}
		g.Go(func() error { return pool.Run(gctx) })
	} else {
		logger.Info("claim intake disabled, scanner and camera claims need QUEUE_BACKEND=redis")
	}

	g.Go(func() error {
		rooms.Run(gctx, cfg.ControllerInterval)
		return nil
	})
	if len(sampled) > 0 {
		g.Go(func() error {
			sampleQueueDepth(gctx, m, cfg.ControllerInterval, sampled...)
			return nil
		})
	}

	sweeper, err := mgr.StartSweeper(cfg.SweepSchedule, time.Minute)
	if err != nil {
		return err
	}

	g.Go(func() error {
		reloadOnHangup(gctx, codec, rot, logger)
		return nil
	})

	h := api.NewHandler(mgr, uploader, checks, logger)
	router := api.NewRouter(api.RouterConfig{
		JWTSigningKey:   cfg.JWTSigningKey,
		JWTIssuer:       cfg.JWTIssuer,
		RateLimitPerMin: cfg.RateLimitPerMin,
		AccessTTL:       cfg.AccessTTL,
		AllowOrigins:    cfg.AllowOrigins,
		Metrics:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}, h)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	g.Go(func() error {
		logger.Info("starting server", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		// Give outstanding requests 10 seconds to complete.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server forced shutdown", "err", err)
		}
		<-sweeper.Stop().Done()
		mgr.Shutdown(shutdownCtx)
		return nil
	})

	err = g.Wait()
	logger.Info("server exited")
	return err
}

// newQueues builds the claim intake and archive queues. Claims arrive from the scanner bridge
// and cameras, which only reach the engine through Redis, so memory mode has no claims queue.
func newQueues(cfg config.App) (claims, archive queue.Queue, sampled []*queue.RedisQueue, rdb *store.Redis) {
	if cfg.QueueBackend == "memory" {
		return nil, queue.NewInMemory(256), nil, nil
	}
	rdb = store.NewRedis(cfg.RedisAddr)
	rc, ra := queue.NewRedisQueue(rdb.Client, queue.KeyClaims), queue.NewRedisQueue(rdb.Client, queue.KeyArchive)
	return rc, ra, []*queue.RedisQueue{rc, ra}, rdb
}

func sampleQueueDepth(ctx context.Context, m *metrics.Metrics, every time.Duration, queues ...*queue.RedisQueue) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		for _, q := range queues {
			if n, err := q.Depth(ctx); err == nil {
				m.SetQueueDepth(q.Key(), n)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// reloadOnHangup swaps the QR signing key on SIGHUP and reissues every session's token,
// since tokens signed with the old key no longer verify.
func reloadOnHangup(ctx context.Context, codec *token.Codec, rot *rotator.Rotator, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		if err := config.ReloadDotEnv(); err != nil {
			logger.Error("reload env failed", "err", err)
			continue
		}
		key, err := token.KeyFromEnv("QR_SIGNING_KEY", token.MinKeyBytes)
		if err != nil {
			logger.Error("reload signing key failed", "err", err)
			continue
		}
		if err := codec.SetKey(key); err != nil {
			logger.Error("install signing key failed", "err", err)
			continue
		}
		n := rot.RotateAll(ctx)
		logger.Info("qr signing key reloaded", "sessions_rotated", n)
	}
}

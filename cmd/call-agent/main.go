package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"secureconnect-callcore/internal/engine/pion"
	callHandler "secureconnect-callcore/internal/handler/http/call"
	wsHandler "secureconnect-callcore/internal/handler/ws"
	"secureconnect-callcore/internal/middleware"
	callsvc "secureconnect-callcore/internal/service/call"
	"secureconnect-callcore/pkg/config"
	"secureconnect-callcore/pkg/jwt"
	"secureconnect-callcore/pkg/logger"
	"secureconnect-callcore/pkg/metrics"
)

func main() {
	printToken := flag.Bool("print-token", false, "print an access token for AGENT_USER_ID and exit")
	flag.Parse()

	// .env is optional; real deployments set the environment directly
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	lg := logger.With(zap.String("service", cfg.Server.ServiceName))
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		lg.Warn("Could not read .env file", zap.Error(envErr))
	}

	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)
	if *printToken {
		token, err := jwtManager.GenerateAccessToken(cfg.Call.AgentUserID, "agent")
		if err != nil {
			lg.Fatal("Failed to issue token", zap.Error(err))
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, jwtManager, lg); err != nil {
		lg.Fatal("Call agent stopped with error", zap.Error(err))
	}
	lg.Info("Call agent stopped")
}

func run(ctx context.Context, cfg *config.Config, jwtManager *jwt.JWTManager, lg *zap.Logger) error {
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	g, gctx := errgroup.WithContext(ctx)

	backend, err := openBackend(gctx, g, cfg, appMetrics, lg)
	if err != nil {
		return err
	}
	defer backend.close()
	lg.Info("Signaling backend ready", zap.String("backend", cfg.Signaling.Backend))

	engines := pion.NewFactory(pion.Config{
		ICEServers:        cfg.WebRTC.ICEServers,
		Username:          cfg.WebRTC.TURNUsername,
		Credential:        cfg.WebRTC.TURNCredential,
		RelayOnly:         cfg.WebRTC.ICETransportPolicy == "relay",
		DisconnectedAfter: cfg.WebRTC.DisconnectedAfter,
		FailedAfter:       cfg.WebRTC.FailedAfter,
		Logger:            lg.Named("engine"),
	})

	coordinator := callsvc.NewCoordinator(backend.channel, engines,
		callsvc.WithLogger(lg.Named("coordinator")),
		callsvc.WithMetrics(appMetrics.Call),
		callsvc.WithIncomingWindow(cfg.Call.IncomingWindow),
		callsvc.WithOperationTimeout(cfg.Call.OperationTimeout),
		callsvc.WithStreamBuffer(cfg.Call.StreamBuffer),
		callsvc.WithCandidateBuffer(cfg.Call.CandidateBuffer),
	)
	coordinator.Start()
	defer coordinator.Stop()

	if err := coordinator.ListenForIncoming(gctx, cfg.Call.AgentUserID); err != nil {
		return fmt.Errorf("failed to listen for incoming calls: %w", err)
	}
	lg.Info("Listening for incoming calls", zap.String("agent_user_id", cfg.Call.AgentUserID))

	hub := wsHandler.NewEventHub(coordinator, appMetrics, cfg.Server.AllowedOrigins, lg.Named("events"))
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           newRouter(cfg, jwtManager, coordinator, hub, backend, appMetrics, lg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		lg.Info("Call agent listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		lg.Info("Shutting down call agent")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// closing the coordinator streams also drains the event hub
		coordinator.Stop()
		return err
	})

	return g.Wait()
}

func newRouter(
	cfg *config.Config,
	jwtManager *jwt.JWTManager,
	coordinator *callsvc.Coordinator,
	hub *wsHandler.EventHub,
	backend *signalingBackend,
	appMetrics *metrics.Metrics,
	lg *zap.Logger,
) *gin.Engine {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.Recovery(lg))
	router.Use(middleware.RequestLogger(lg.Named("http")))
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/health", func(c *gin.Context) {
		_, inCall := coordinator.ActiveSession()
		status, code := "healthy", http.StatusOK
		if err := backend.health(c.Request.Context()); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":  status,
			"service": cfg.Server.ServiceName,
			"backend": cfg.Signaling.Backend,
			"in_call": inCall,
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	v1 := router.Group("/v1")
	v1.Use(middleware.AgentAuth(jwtManager, cfg.Call.AgentUserID))
	v1.GET("/calls/events", hub.ServeWS)

	// the event stream is long-lived, only control requests get a deadline
	v1.Use(middleware.RequestTimeout(2 * cfg.Call.OperationTimeout))
	callHandler.NewHandler(coordinator).RegisterRoutes(v1)

	return router
}

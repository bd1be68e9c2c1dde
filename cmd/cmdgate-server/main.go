// Command cmdgate-server runs the streaming command-execution gateway: a
// JSON-RPC 2.0 over WebSocket front end that spawns one shell process per
// session and streams its output back live.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cmdgate/cmdgate/internal/config"
	"github.com/cmdgate/cmdgate/internal/gateway"
	"github.com/cmdgate/cmdgate/internal/historystore"
	"github.com/cmdgate/cmdgate/internal/hooks"
	"github.com/cmdgate/cmdgate/internal/partial"
	"github.com/cmdgate/cmdgate/internal/session"
	"github.com/cmdgate/cmdgate/internal/timeout"
)

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "serve":
		runServe()
	case "config":
		runConfigDump()
	case "smoke-test":
		runSmokeTest()
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q (expected: serve, config, smoke-test)\n", cmd)
		os.Exit(2)
	}
}

func newLogger(cfg *config.Config) *zap.Logger {
	var zcfg zap.Config
	if cfg.Env == "dev" {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.TimeKey = ""
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.DisableStacktrace = true
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	log := zap.Must(zcfg.Build())
	return log.Named("cmdgate")
}

// zapMiddleware logs each HTTP request, grounded on the teacher's
// ZapLogger gin middleware.
func zapMiddleware(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case c.Writer.Status() >= 500:
			log.Error("request", fields...)
		case c.Writer.Status() >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

func runServe() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if path := os.Getenv("CMDGATE_CONFIG_FILE"); path != "" {
		if err := config.LoadFileOverlay(cfg, path); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(2)
		}
	}

	log := newLogger(cfg)
	defer log.Sync()

	var history timeout.HistoryStore
	if cfg.HistoryStoreURL != "" {
		client, err := historystore.NewClient(cfg.HistoryStoreURL, log)
		if err != nil {
			log.Warn("history store disabled: failed to initialize client", zap.Error(err))
		} else {
			history = historystore.NewRedisStore(client, 7*24*time.Hour)
		}
	}

	estimator := timeout.New(log.Named("timeout"), history, timeout.NewCPULoadProbe(), cfg.MinTimeout, cfg.MaxTimeout)
	assembler := partial.New(log.Named("partial"))
	sessions := session.New(log.Named("session"), cfg.MaxSessions, cfg.SessionIdleTimeout)

	handler := gateway.New(log.Named("gateway"), cfg, sessions, estimator, assembler, loadHookSpecs())

	binding.EnableDecoderDisallowUnknownFields = true
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	_ = r.SetTrustedProxies([]string{"127.0.0.1"})
	r.Use(gin.Recovery())

	if cfg.Env == "dev" {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:5173"},
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Authorization"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}
	r.Use(zapMiddleware(log))

	handler.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:           cfg.ListenAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   0, // unbounded: WebSocket connections are long-lived after upgrade
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 15,
		ErrorLog:       zap.NewStdLog(log.Named("http").WithOptions(zap.AddCallerSkip(1))),
	}

	go func() {
		log.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sessions.Shutdown(ctx)
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}

// loadHookSpecs reads lifecycle hook commands from the environment. A real
// deployment would source these from the same config-file overlay as
// `config`; wiring that is a small follow-up, not core gateway behavior.
func loadHookSpecs() []hooks.Spec {
	var specs []hooks.Spec
	if cmd := os.Getenv("CMDGATE_HOOK_PRE_EXECUTE"); cmd != "" {
		specs = append(specs, hooks.Spec{Point: hooks.PointPreExecute, Command: cmd})
	}
	if cmd := os.Getenv("CMDGATE_HOOK_POST_EXECUTE"); cmd != "" {
		specs = append(specs, hooks.Spec{Point: hooks.PointPostExecute, Command: cmd})
	}
	if cmd := os.Getenv("CMDGATE_HOOK_ERROR"); cmd != "" {
		specs = append(specs, hooks.Spec{Point: hooks.PointError, Command: cmd})
	}
	return specs
}

func runConfigDump() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	if path := os.Getenv("CMDGATE_CONFIG_FILE"); path != "" {
		if err := config.LoadFileOverlay(cfg, path); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(2)
		}
	}

	fmt.Printf("%+v\n", *cfg)
}

// runSmokeTest exercises the gateway against itself: spawns the server on
// an ephemeral port is out of scope for a CLI one-liner, so this instead
// validates that configuration loads and the history store (if
// configured) is reachable — the quick pre-flight check an operator runs
// before `serve`.
func runSmokeTest() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	log := newLogger(cfg)
	defer log.Sync()

	if cfg.HistoryStoreURL == "" {
		log.Info("smoke-test: history store not configured, skipping")
		return
	}
	client, err := historystore.NewClient(cfg.HistoryStoreURL, log)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = client.Ping(ctx).Err()
		cancel()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "smoke-test: history store unreachable: %v\n", err)
		os.Exit(2)
	}
	log.Info("smoke-test: ok")
}

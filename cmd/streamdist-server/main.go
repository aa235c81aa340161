package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edirooss/streamdist-server/internal/config"
	"github.com/edirooss/streamdist-server/internal/http/handler"
	mw "github.com/edirooss/streamdist-server/internal/http/middleware"
	"github.com/edirooss/streamdist-server/internal/service"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	RedisAddr  string `yaml:"redis_address"`
	ServerAddr string `yaml:"server_address"`
	Port       string `yaml:"port"`
}

var serverConfig *Config

func init() {
	// Handle version display
	handleVersion()
}

func main() {
	// Read env
	isDev := os.Getenv("ENV") == "dev"

	// Load config
	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Create Zap logger
	log := buildLogger()
	defer log.Sync()
	log = log.Named("main")

	// Create Gin router
	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer() // Configure Gin's logger to use Zap
	r := gin.New()

	// Wire the distribution service (Redis + supervisor runtime)
	svc, err := service.NewDistributionService(log, serverConfig.RedisAddr, 0)
	if err != nil {
		log.Fatal("distribution service creation failed", zap.Error(err))
	}

	// Apply Gin middlewares
	{
		r.Use(gin.Recovery()) // Recovery first (outermost)
		r.Use(mw.RequestID()) // Attach request ID for tracing; early in the chain so it's available everywhere

		if isDev { // Enable CORS for local Vite dev
			r.Use(cors.New(cors.Config{
				AllowOrigins:     []string{"http://localhost:5173", "http://localhost:4173", "http://localhost:3000", "http://127.0.0.1:3000", "https://" + serverConfig.ServerAddr},
				AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowHeaders:     []string{"X-Request-ID", "Content-Type", "Authorization"},
				ExposeHeaders:    []string{"X-Request-ID", "X-Total-Count"},
				AllowCredentials: true, // Allow cookies in dev
				MaxAge:           12 * time.Hour,
			}))
		} else { // Behind Nginx + TLS
			r.SetTrustedProxies([]string{"127.0.0.1", serverConfig.ServerAddr})
			r.Use(secure.New(secure.Config{
				SSLProxyHeaders: map[string]string{
					"X-Forwarded-Proto": "https", // Fix scheme for secure cookies
				},
			}))
		}

		r.Use(accessLog(log))

		r.Use(func(c *gin.Context) {
			// Enforce a hard 10MB max request body.
			// Protects against oversized or drip-fed request body ("slow body" / RUDY DoS)
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 10<<20)
			c.Next()
		})
	}

	// Register route handlers
	{
		r.GET("/api/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))

		inputshndlr := handler.NewInputsHandler(log, svc)
		outputshndlr := handler.NewOutputsHandler(log, svc)
		eventshndlr := handler.NewEventsHandler(log, svc.Events())

		requireInputID := mw.RequireValidID("id")
		requireOutputID := mw.RequireValidID("oid")

		// --- Input collection ---
		r.POST("/api/inputs", inputshndlr.CreateInput)      // create one
		r.GET("/api/inputs", inputshndlr.GetInputList)      // get list
		r.GET("/api/inputs/status", inputshndlr.StatusList) // live status of everything

		// --- Input resource ---
		r.GET("/api/inputs/:id", requireInputID, inputshndlr.GetInput)          // get one
		r.DELETE("/api/inputs/:id", requireInputID, inputshndlr.DeleteInput)    // delete one (cascades)
		r.POST("/api/inputs/:id/start", requireInputID, inputshndlr.StartInput) // runtime up
		r.POST("/api/inputs/:id/stop", requireInputID, inputshndlr.StopInput)   // runtime down
		r.GET("/api/inputs/:id/status", requireInputID, inputshndlr.Status)     // live status

		// --- Output collection / resource ---
		r.POST("/api/inputs/:id/outputs", requireInputID, outputshndlr.CreateOutput)
		r.GET("/api/inputs/:id/outputs", requireInputID, outputshndlr.GetOutputList)
		r.GET("/api/inputs/:id/outputs/:oid", requireInputID, requireOutputID, outputshndlr.GetOutput)
		r.PUT("/api/inputs/:id/outputs/:oid", requireInputID, requireOutputID, outputshndlr.ReplaceOutput)
		r.DELETE("/api/inputs/:id/outputs/:oid", requireInputID, requireOutputID, outputshndlr.DeleteOutput)
		r.POST("/api/inputs/:id/outputs/:oid/start", requireInputID, requireOutputID, outputshndlr.StartOutput)
		r.POST("/api/inputs/:id/outputs/:oid/stop", requireInputID, requireOutputID, outputshndlr.StopOutput)
		r.GET("/api/inputs/:id/outputs/:oid/logs", requireInputID, requireOutputID, outputshndlr.GetOutputLogs)

		// --- Status event feed (SSE) ---
		// Long-lived connections; cap them so subscribers cannot starve the
		// request pool.
		r.GET("/api/events", mw.LimitConcurrentRequests(64), eventshndlr.Stream)
	}

	httpsrv := &http.Server{
		Addr:              serverConfig.ServerAddr + ":" + serverConfig.Port,
		Handler:           r,
		ReadHeaderTimeout: 2 * time.Second,  // kills header-drip Slowloris
		ReadTimeout:       10 * time.Second, // full request read (incl. body)
		IdleTimeout:       60 * time.Second, // keep-alive cap
		MaxHeaderBytes:    1 << 20,          // 1MB cap
	}

	// Serve until signalled, then drain: HTTP first, workers second, Redis last.
	errCh := make(chan error, 1)
	go func() {
		log.Info("running HTTP server", zap.String("addr", httpsrv.Addr))
		errCh <- httpsrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpsrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := svc.StopAll(shutdownCtx); err != nil {
		log.Error("runtime shutdown", zap.Error(err))
	}
	if err := svc.Close(); err != nil {
		log.Warn("redis close", zap.Error(err))
	}
	log.Info("server closed")
}

// handleVersion prints build metadata and exits when -v/--version is provided.
func handleVersion() {
	v := flag.Bool("v", false, "print version and exit")
	flag.BoolVar(v, "version", false, "print version and exit")
	flag.Parse()

	if *v {
		fmt.Printf("streamdist-server %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildDate)
		os.Exit(0)
	}
}

// accessLog is a Gin middleware that records HTTP request/response details with Zap after handling.
func accessLog(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("access")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		// collect all errors from Gin context
		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		// errors.Join returns nil if errs is empty
		joinedErr := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
			zap.Duration("latency", latency),
			zap.String("request_id", mw.GetRequestID(c)),
		}
		if joinedErr != nil {
			fields = append(fields, zap.Error(joinedErr))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// helpers

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	logConfig.Level.SetLevel(zap.DebugLevel)
	return zap.Must(logConfig.Build())
}

func loadConfig() error {
	data, err := os.ReadFile("streamdist-server.yaml")
	if err != nil {
		return err
	}

	err = yaml.Unmarshal(data, &serverConfig)
	if err != nil {
		return err
	}

	return nil
}

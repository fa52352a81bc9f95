// Package main is the composition root for the browser streaming server:
// it wires the browser pool, session binder, stream stats collector and
// socket router behind the shared middleware chain, and owns startup/
// shutdown ordering. Modeled on the teacher's cmd/flaresolverr/main.go
// wiring order and signal-driven graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/streambrowse/browserstream-go/internal/browserpool"
	"github.com/streambrowse/browserstream-go/internal/config"
	"github.com/streambrowse/browserstream-go/internal/metrics"
	"github.com/streambrowse/browserstream-go/internal/middleware"
	"github.com/streambrowse/browserstream-go/internal/session"
	"github.com/streambrowse/browserstream-go/internal/streamstats"
	"github.com/streambrowse/browserstream-go/internal/wsrouter"
	"github.com/streambrowse/browserstream-go/pkg/version"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("browserstreamd %s\n", version.Full())
		return
	}

	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	cfg.Validate()
	printBanner()

	if cfg.ConfigFilePath != "" {
		store, err := config.NewStore(cfg.ConfigFilePath, cfg.ToStored(), true)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load persisted config store")
		}
		defer store.Close()
		log.Info().Str("path", cfg.ConfigFilePath).Msg("persisted config store loaded")
	}

	log.Info().Msg("initializing browser pool")
	pool := browserpool.New(cfg)
	sessions := session.NewManager(cfg)
	stats := streamstats.NewManager()
	router := wsrouter.New(cfg, pool, sessions, stats)

	metrics.SetBuildInfo(version.Full(), version.GoVersion())
	metricsStop := make(chan struct{})
	go metrics.StartMemoryCollector(15*time.Second, metricsStop)
	go pollPoolMetrics(cfg, pool, sessions, router, metricsStop)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", router.HandleWebSocket)
	mux.HandleFunc("/health", router.HandleHealth)
	mux.Handle("/metrics", metrics.Handler())

	var finalHandler http.Handler = mux

	finalHandler = middleware.CORS(middleware.CORSConfig{AllowedOrigin: cfg.CORSOrigin})(finalHandler)
	finalHandler = middleware.SecurityHeaders(finalHandler)

	if cfg.APIKeyEnabled {
		log.Info().Msg("API key authentication enabled")
		finalHandler = middleware.APIKey(cfg)(finalHandler)
	}

	var rateLimiter *middleware.RateLimiterMiddleware
	if cfg.RateLimitEnabled {
		log.Info().
			Int("requests_per_minute", cfg.RateLimitRPM).
			Bool("trust_proxy", cfg.TrustProxy).
			Msg("rate limiting enabled")
		rateLimiter = middleware.NewRateLimitMiddleware(cfg.RateLimitRPM, cfg.TrustProxy)
		finalHandler = rateLimiter.Handler()(finalHandler)
	}

	finalHandler = middleware.Logging(finalHandler)
	finalHandler = middleware.Recovery(finalHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	// ReadTimeout/WriteTimeout are not enforced once a connection is
	// upgraded and hijacked for the control socket (spec.md §4.5), so these
	// only bound plain HTTP requests (health, metrics, the upgrade handshake
	// itself).
	server := &http.Server{
		Addr:              addr,
		Handler:           finalHandler,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var pprofServer *http.Server
	if cfg.PProfEnabled {
		pprofAddr := fmt.Sprintf("%s:%d", cfg.PProfBindAddr, cfg.PProfPort)
		pprofServer = &http.Server{
			Addr:         pprofAddr,
			Handler:      http.DefaultServeMux,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
		}
		go func() {
			log.Warn().Str("addr", pprofAddr).Msg("pprof profiling server started, debugging use only")
			if err := pprofServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	go func() {
		log.Info().
			Str("address", addr).
			Int("max_browsers", cfg.MaxBrowsers).
			Bool("rate_limit_enabled", cfg.RateLimitEnabled).
			Msg("browserstreamd is ready to accept connections")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	signal.Stop(quit)

	log.Info().Msg("shutting down")
	close(metricsStop)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	if pprofServer != nil {
		if err := pprofServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("pprof server shutdown error")
		}
	}
	if rateLimiter != nil {
		rateLimiter.Close()
	}

	router.Shutdown()
	sessions.Close()
	stats.Close()
	if err := pool.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("browser pool shutdown error")
	}

	log.Info().Msg("shutdown complete")
}

// pollPoolMetrics periodically refreshes the pool/session gauges; the
// browser-created, frame and message counters are updated inline where the
// events happen. The browser-evicted counter is not recorded anywhere.
func pollPoolMetrics(cfg *config.Config, pool *browserpool.Pool, sessions *session.Manager, router *wsrouter.Router, stop <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			metrics.UpdatePoolMetrics(cfg.MaxBrowsers, pool.Count())
			metrics.UpdateSessionMetrics(sessions.Count(), router.SocketCount())
		}
	}
}

func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func printBanner() {
	banner := `
 _                                     _
| |__  _ __ _____      _____  ___ _ __| |_ _ __ ___  __ _ _ __ ___
| '_ \| '__/ _ \ \ /\ / / __|/ _ \ '__| __| '__/ _ \/ _' | '_ ' _ \
| |_) | | | (_) \ V  V /\__ \  __/ |  | |_| | |  __/ (_| | | | | | |
|_.__/|_|  \___/ \_/\_/ |___/\___|_|   \__|_|  \___|\__,_|_| |_| |_|
                                                           Go Edition
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("starting browserstreamd")
}

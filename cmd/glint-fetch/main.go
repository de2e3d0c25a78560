// The glint-fetch gateway exposes the fetch pipeline over a small HTTP
// surface for the rendering layer: one endpoint to fetch a resource by
// URI, one to invalidate a cached entry.
package main

import (
	"context"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	glintfetch "github.com/glint-browser/glint-fetch"
	"github.com/glint-browser/glint-fetch/cache"
	cachestatus "github.com/glint-browser/glint-fetch/pkg/cache-status"
	"github.com/glint-browser/glint-fetch/pool"
	"github.com/glint-browser/glint-fetch/protocol/ftpx"
	"github.com/glint-browser/glint-fetch/protocol/gemini"
	"github.com/glint-browser/glint-fetch/protocol/httpx"
	"github.com/glint-browser/glint-fetch/protocol/ipfsx"
	"github.com/glint-browser/glint-fetch/protocol/wsstream"
	"github.com/glint-browser/glint-fetch/trust"
)

var (
	configFilenameFlag string
	portFlag           int
	cacheFileFlag      string
	logFileFlag        string
	verbosityTraceFlag bool
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&cacheFileFlag, "db", "glint-cache.db", "Persistent cache file")
	flag.StringVar(&logFileFlag, "log-file", "", "Also log to this file (rotated)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
}

func main() {
	flag.Parse()

	var config Config
	if configFilenameFlag != "" {
		var err error
		config, err = getConfig(configFilenameFlag)
		if err != nil {
			panic(err)
		}
	}
	if config.Port <= 0 {
		config.Port = portFlag
	}
	if config.CacheFile == "" {
		config.CacheFile = cacheFileFlag
	}
	if config.MemoryCacheBytes <= 0 {
		config.MemoryCacheBytes = 64 << 20
	}
	if config.DiskCacheBytes <= 0 {
		config.DiskCacheBytes = 1 << 30
	}
	if config.PerOriginLimit <= 0 {
		config.PerOriginLimit = 6
	}
	if config.LogFile == "" {
		config.LogFile = logFileFlag
	}
	defaultTTL := 10 * time.Minute
	if config.DefaultTTL != "" {
		parsed, err := time.ParseDuration(config.DefaultTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid defaultTtl")
		}
		defaultTTL = parsed
	}
	var idleTimeout time.Duration
	if config.IdleConnTimeout != "" {
		parsed, err := time.ParseDuration(config.IdleConnTimeout)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid idleConnTimeout")
		}
		idleTimeout = parsed
	}

	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stdout}
	if config.LogFile != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   config.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
		})
	}
	log.Logger = log.Level(logLevel).Output(out)

	if err := run(config, defaultTTL, idleTimeout); err != nil {
		log.Fatal().Err(err).Msg("Gateway failed")
	}
}

func run(config Config, defaultTTL, idleTimeout time.Duration) error {
	disk, err := cache.NewSQLiteCache(config.CacheFile, config.DiskCacheBytes)
	if err != nil {
		return fmt.Errorf("opening persistent cache: %w", err)
	}
	manager := cache.NewManager(cache.ManagerConfig{
		Memory:     cache.NewMemCache(config.MemoryCacheBytes),
		Persistent: disk,
		DefaultTTL: defaultTTL,
		Logger:     &log.Logger,
	})

	connPool := pool.New(pool.Config{
		PerOriginLimit: config.PerOriginLimit,
		IdleTimeout:    idleTimeout,
		Logger:         &log.Logger,
	})

	roots, err := x509.SystemCertPool()
	if err != nil {
		log.Warn().Err(err).Msg("System root pool unavailable, using empty pool")
		roots = x509.NewCertPool()
	}
	validator := trust.NewValidator(trust.Config{
		Roots:           roots,
		InsecureOrigins: config.InsecureOrigins,
		RevokedSerials:  config.RevokedSerials,
		Logger:          &log.Logger,
	})

	registry := glintfetch.NewRegistry(config.AllowedSchemes)
	web := httpx.New(httpx.Config{
		Pool:         connPool,
		MaxRedirects: config.MaxRedirects,
		Logger:       &log.Logger,
	})
	registry.MustRegister("http", web)
	registry.MustRegister("https", web)
	registry.MustRegister("gemini", gemini.New(gemini.Config{Pool: connPool, Logger: &log.Logger}))
	stream := wsstream.New(wsstream.Config{Pool: connPool, Logger: &log.Logger})
	registry.MustRegister("ws", stream)
	registry.MustRegister("wss", stream)
	registry.MustRegister("ftp", ftpx.New(ftpx.Config{Pool: connPool, Logger: &log.Logger}))
	gateways := config.IPFSGateways
	if len(gateways) == 0 {
		gateways = []string{"https://ipfs.io", "https://dweb.link"}
	}
	registry.MustRegister("ipfs", ipfsx.New(ipfsx.Config{
		Gateways:  gateways,
		Transport: web,
		Logger:    &log.Logger,
	}))

	fetcher := glintfetch.NewFetcher(glintfetch.FetcherConfig{
		Registry:   registry,
		Cache:      manager,
		Pool:       connPool,
		Trust:      validator,
		MaxRetries: config.MaxRetries,
		Logger:     &log.Logger,
	})

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestID)
	router.Get("/fetch", handleFetch(fetcher))
	router.Post("/invalidate", handleInvalidate(fetcher))
	router.Get("/healthz", handleHealth(registry))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", config.Port).Strs("schemes", registry.Schemes()).
			Msg("Gateway listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		fetcher.Close()
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Shutdown did not finish cleanly")
	}
	return fetcher.Close()
}

// requestID tags every request with a correlation id, in the response
// and in a request-scoped logger.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		logger := log.With().Str("requestId", id).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}

func handleFetch(fetcher *glintfetch.Fetcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uri := r.URL.Query().Get("uri")
		if uri == "" {
			http.Error(w, "missing uri parameter", http.StatusBadRequest)
			return
		}
		req, err := glintfetch.NewRequest(uri)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid uri: %v", err), http.StatusBadRequest)
			return
		}
		if r.URL.Query().Get("noCache") == "1" {
			req.NoCache = true
		}

		logger := zerolog.Ctx(r.Context())
		res, err := fetcher.Fetch(r.Context(), req)
		if err != nil {
			writeFetchError(w, logger, uri, err)
			return
		}
		defer res.Body.Close()

		header := w.Header()
		for k, vv := range res.Header {
			header[k] = vv
		}
		header.Set("X-Glint-Protocol", res.Protocol)
		if res.Trust.State != "" {
			header.Set("X-Glint-Trust", string(res.Trust.State))
		}
		header.Set("Cache-Status", cacheStatusFor(req, res).String())
		w.WriteHeader(res.StatusCode)
		if _, err := io.Copy(w, res.Body); err != nil {
			logger.Debug().Err(err).Str("uri", uri).Msg("Client went away mid-body")
		}
	}
}

func cacheStatusFor(req *glintfetch.ResourceRequest, res *glintfetch.ResourceResponse) *cachestatus.CacheStatus {
	var status cachestatus.CacheStatus
	switch {
	case req.NoCache:
		status.Forward(cachestatus.FwdBypass)
	case res.FromCache && res.Revalidated:
		// served from a stale entry after a positive revalidation
		status.Forward(cachestatus.FwdStale)
		status.Detail("revalidated")
	case res.FromCache:
		status.Hit()
	default:
		status.Forward(cachestatus.FwdMiss)
		if res.Cacheable {
			status.Stored()
		}
	}
	if res.Coalesced {
		status.Collapsed()
	}
	return &status
}

func handleInvalidate(fetcher *glintfetch.Fetcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uri := r.URL.Query().Get("uri")
		if uri == "" {
			http.Error(w, "missing uri parameter", http.StatusBadRequest)
			return
		}
		if err := fetcher.Invalidate(uri); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleHealth(registry *glintfetch.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok %v\n", registry.Schemes())
	}
}

// writeFetchError maps the error taxonomy onto gateway status codes so
// the rendering layer can show a meaningful error page.
func writeFetchError(w http.ResponseWriter, logger *zerolog.Logger, uri string, err error) {
	status := http.StatusBadGateway
	switch glintfetch.KindOf(err) {
	case glintfetch.KindUnsupported:
		status = http.StatusBadRequest
	case glintfetch.KindPoolExhausted:
		status = http.StatusServiceUnavailable
	case glintfetch.KindTimeout:
		status = http.StatusGatewayTimeout
	}

	var fetchErr *glintfetch.Error
	if errors.As(err, &fetchErr) {
		logger.Warn().
			Str("uri", uri).
			Str("kind", string(fetchErr.Kind)).
			Str("origin", fetchErr.Origin).
			Err(err).Msg("Fetch failed")
	} else {
		logger.Warn().Str("uri", uri).Err(err).Msg("Fetch failed")
	}
	http.Error(w, err.Error(), status)
}

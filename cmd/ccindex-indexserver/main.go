// This program is the CCIndex analogue of cmd/zoekt-indexserver: a
// long-running daemon that periodically refreshes the collections catalog
// and launches detached ccindex-orchestrator runs for whatever collections
// need attention, recycling old job logs along the way. It does not serve
// the Lookup API itself — search_domain/resolve_urls are invoked in-process
// by callers that embed package lookup directly; this daemon has no HTTP
// handler for them.
//
// GOMAXPROCS tuning via go.uber.org/automaxprocs and a /metrics endpoint
// via prometheus/client_golang/promauto both follow cmd/zoekt-webserver's
// setup sequence: maxprocs.Set() before anything else runs, metrics
// registered at package scope. /healthz runs a small set of self checks
// (state_dir/log_dir writability, a non-empty catalog cache) on a one-minute
// tick.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/commoncrawl/ccindex/catalog"
	"github.com/commoncrawl/ccindex/jobmanager"
)

var (
	metricCatalogRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ccindex_catalog_refresh_total",
		Help: "Catalog manifest refreshes, labeled by outcome.",
	}, []string{"outcome"})
	metricJobsLaunchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ccindex_orchestrator_jobs_launched_total",
		Help: "ccindex-orchestrator runs launched by this indexserver.",
	})
	metricJobsSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ccindex_orchestrator_jobs_skipped_total",
		Help: "Collection cycles skipped because a prior run is still alive.",
	})
)

func main() {
	var (
		listen          = flag.String("listen", ":6060", "listen on this address for /metrics")
		stateDir        = flag.String("state_dir", envOr("CCINDEX_STATE_DIR", ""), "directory holding the job registry and catalog cache (required)")
		logDir          = flag.String("log_dir", envOr("CCINDEX_LOG_DIR", ""), "directory for orchestrator job logs (required)")
		orchestratorBin = flag.String("orchestrator_bin", "ccindex-orchestrator", "path to the ccindex-orchestrator binary to launch")
		catalogInterval = flag.Duration("catalog_refresh_interval", 6*time.Hour, "how often to refresh the collections manifest")
		runInterval     = flag.Duration("run_interval", time.Hour, "how often to sweep for collections needing an orchestrator run")
		maxLogAge       = flag.Duration("max_log_age", 14*24*time.Hour, "delete orchestrator job logs older than this")
		year            = flag.Int("year", 0, "restrict the sweep to this year's collections; 0 means every collection in the catalog")
		orchestratorArg = flag.String("orchestrator_flags", "", "space separated flags passed through to every ccindex-orchestrator invocation")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if *stateDir == "" || *logDir == "" {
		logger.Error("-state_dir and -log_dir are both required")
		os.Exit(2)
	}

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		logger.Info(fmt.Sprintf(format, args...))
	})); err != nil {
		logger.Warn("maxprocs.Set failed, leaving GOMAXPROCS untouched", "err", err)
	}

	if err := os.MkdirAll(*stateDir, 0o755); err != nil {
		logger.Error("creating state_dir", "err", err)
		os.Exit(1)
	}

	cat := catalog.New(catalog.Options{CachePath: filepath.Join(*stateDir, "collinfo.json")})
	registryPath := filepath.Join(*stateDir, "orchestrator_jobs.jsonl")
	mgr := jobmanager.NewManager(*logDir, registryPath, zap.NewNop())

	var orchestratorFlags []string
	if *orchestratorArg != "" {
		orchestratorFlags = strings.Split(*orchestratorArg, " ")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hc := newHealthChecker(*stateDir, *logDir, cat)
	go hc.Run()
	go serveMetrics(*listen, logger, hc)

	refreshCatalog(ctx, cat, logger)
	sweep(mgr, registryPath, cat, *orchestratorBin, orchestratorFlags, *year, logger)
	recycleLogs(*logDir, *maxLogAge, logger)

	catalogTicker := time.NewTicker(*catalogInterval)
	defer catalogTicker.Stop()
	runTicker := time.NewTicker(*runInterval)
	defer runTicker.Stop()
	logTicker := time.NewTicker(*maxLogAge / 14) // check roughly daily relative to the retention window
	defer logTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-catalogTicker.C:
			refreshCatalog(ctx, cat, logger)
		case <-runTicker.C:
			sweep(mgr, registryPath, cat, *orchestratorBin, orchestratorFlags, *year, logger)
		case <-logTicker.C:
			recycleLogs(*logDir, *maxLogAge, logger)
		}
	}
}

func serveMetrics(addr string, logger *slog.Logger, hc *SelfCheckRunner) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		hc.Print(w)
	})
	logger.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server exited", "err", err)
	}
}

// newHealthChecker wires up the checks this daemon can report on its own:
// state_dir writability, log_dir writability, and whether the catalog cache
// has ever been populated.
func newHealthChecker(stateDir, logDir string, cat *catalog.Catalog) *SelfCheckRunner {
	return &SelfCheckRunner{
		Checks: []SelfCheck{
			{
				Name:        "state_dir_writable",
				Description: "state_dir accepts new files",
				Run:         writableCheck(stateDir),
			},
			{
				Name:        "log_dir_writable",
				Description: "log_dir accepts new files",
				Run:         writableCheck(logDir),
			},
			{
				Name:        "catalog_populated",
				Description: "collections catalog has been refreshed at least once",
				Run: func(ctx context.Context) (string, error) {
					entries, err := cat.Load()
					if err != nil {
						return "", err
					}
					if len(entries) == 0 {
						return "", fmt.Errorf("catalog cache is empty")
					}
					return fmt.Sprintf("%d collections", len(entries)), nil
				},
			},
		},
	}
}

func writableCheck(dir string) SelfCheckFunc {
	return func(ctx context.Context) (string, error) {
		f, err := os.CreateTemp(dir, ".healthz-*")
		if err != nil {
			return "", err
		}
		name := f.Name()
		f.Close()
		os.Remove(name)
		return "ok", nil
	}
}

func refreshCatalog(ctx context.Context, cat *catalog.Catalog, logger *slog.Logger) {
	if _, err := cat.Refresh(ctx); err != nil {
		metricCatalogRefreshTotal.WithLabelValues("error").Inc()
		logger.Error("catalog refresh failed", "err", err)
		return
	}
	metricCatalogRefreshTotal.WithLabelValues("ok").Inc()
	logger.Info("catalog refreshed")
}

// sweep launches a detached ccindex-orchestrator run for every collection
// the catalog lists (optionally narrowed to year) that doesn't already
// have a live run — Status against the job registry's most recent entry
// for that collection's label decides liveness.
func sweep(mgr *jobmanager.Manager, registryPath string, cat *catalog.Catalog, orchestratorBin string, baseFlags []string, year int, logger *slog.Logger) {
	entries, err := cat.Load()
	if err != nil {
		logger.Error("loading catalog for sweep", "err", err)
		return
	}
	if year != 0 {
		entries = catalog.FilterByYear(entries, year)
	}
	if len(entries) == 0 {
		logger.Warn("no catalog entries to sweep; has the catalog been refreshed yet?")
		return
	}

	jobs, err := jobmanager.ListJobs(registryPath, 0)
	if err != nil {
		logger.Error("listing prior jobs", "err", err)
	}
	lastPIDByLabel := make(map[string]int)
	for _, j := range jobs {
		lastPIDByLabel[j.Label] = j.PID
	}

	for _, e := range entries {
		label := "orchestrate-" + e.ID
		if pid, ok := lastPIDByLabel[label]; ok {
			if alive, _ := mgr.Status(pid); alive {
				metricJobsSkippedTotal.Inc()
				continue
			}
		}

		argv := jobmanager.PlanCommand(orchestratorBin, append(baseFlags, "-collections", e.ID), nil)
		if _, err := mgr.Start(label, argv); err != nil {
			logger.Error("launching orchestrator run", "collection", e.ID, "err", err)
			continue
		}
		metricJobsLaunchedTotal.Inc()
		logger.Info("launched orchestrator run", "collection", e.ID)
	}
}

func recycleLogs(logDir string, maxAge time.Duration, logger *slog.Logger) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Error("listing log_dir for recycling", "err", err)
		}
		return
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(logDir, e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		logger.Info("recycled old job logs", "removed", removed)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}


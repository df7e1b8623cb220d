// Command memoryd runs the cognitive memory substrate: the episodic vault,
// weight graph, consolidation engine, spectral learner and oscillator
// coupling map, bound together and exposed over HTTP: load .env, parse
// flags, load config, wire dependencies, start background workers, serve,
// wait for a shutdown signal.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"koopmem/internal/api"
	"koopmem/internal/config"
	"koopmem/internal/consolidation"
	"koopmem/internal/coupling"
	"koopmem/internal/eventbus"
	"koopmem/internal/jobs"
	"koopmem/internal/spectral"
	"koopmem/internal/trace"
	"koopmem/internal/vault"
	"koopmem/internal/weightgraph"
)

func main() {
	config.LoadDotEnv()

	var (
		configPath = flag.String("config", "", "Path to configuration file")
		verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	if *verbose {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("🔥 [MEMORYD] failed to load configuration: %v", err)
	}
	log.Printf("🧠 [MEMORYD] starting with vault=%s concept_width=%d http=%s", cfg.VaultDir, cfg.ConceptWidth, cfg.HTTPAddr)

	v, err := vault.Open(vault.Config{
		Dir:                 cfg.VaultDir,
		SegmentSizeBytes:    cfg.SegmentSizeBytes,
		IndexRebuildOnStart: cfg.IndexRebuildOnStart,
		MaxEpisodes:         cfg.MaxEpisodes,
	})
	if err != nil {
		log.Fatalf("🔥 [MEMORYD] failed to open vault: %v", err)
	}
	defer v.Close()

	graph := weightgraph.New(cfg.ConceptWidth, cfg.PruneThreshold)
	traces := trace.NewBuffer(512)
	engine := consolidation.NewEngine(graph, traces)

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Printf("⚠️ [MEMORYD] invalid redis url %q, running without a job-status mirror: %v", cfg.RedisURL, err)
		} else {
			rdb = redis.NewClient(opt)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := rdb.Ping(ctx).Err(); err != nil {
				log.Printf("⚠️ [MEMORYD] redis ping failed, running without a job-status mirror: %v", err)
				rdb = nil
			} else {
				log.Printf("✅ [MEMORYD] connected to redis at %s", cfg.RedisURL)
			}
			cancel()
		}
	}
	if rdb != nil {
		defer rdb.Close()
	}

	var bus *eventbus.NATSBus
	if cfg.NatsURL != "" {
		bus, err = eventbus.NewNATSBus(eventbus.Config{URL: cfg.NatsURL})
		if err != nil {
			log.Printf("⚠️ [MEMORYD] nats connect failed, running without an event bus: %v", err)
			bus = nil
		} else {
			log.Printf("✅ [MEMORYD] connected to nats at %s", cfg.NatsURL)
			defer bus.Close()
		}
	}

	var publisher jobs.Publisher
	if bus != nil {
		publisher = bus
	}

	ctrl := jobs.New(jobs.Config{
		Engine:        engine,
		Redis:         rdb,
		Bus:           publisher,
		MaxConcurrent: cfg.MaxConcurrentJobs,
	})

	scheduler := jobs.NewScheduler(ctrl)
	if cfg.ConsolidationCron != "" {
		defaultSource := func() ([]*vault.Episode, error) {
			episodes, _, _, err := v.ListRecent(vault.Filter{}, 256)
			if err != nil {
				return nil, err
			}
			out := make([]*vault.Episode, len(episodes))
			for i := range episodes {
				out[i] = &episodes[i]
			}
			return out, nil
		}
		if err := scheduler.ScheduleConsolidation("default", cfg.ConsolidationCron, defaultSource, cfg.Replay); err != nil {
			log.Printf("⚠️ [MEMORYD] failed to register default consolidation schedule: %v", err)
		} else {
			log.Printf("⏰ [MEMORYD] registered default consolidation schedule %q", cfg.ConsolidationCron)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	learner := spectral.NewIncrementalLearner(cfg.ConceptWidth, cfg.SpectralRank, cfg.SpectralRefitThreshold)
	couplings := coupling.New(1.0)
	kclStats := spectral.NewStatsTracker(0)

	server := &api.Server{
		Vault:         v,
		Graph:         graph,
		Jobs:          ctrl,
		Scheduler:     scheduler,
		Traces:        traces,
		Learner:       learner,
		Couplings:     couplings,
		KclStats:      kclStats,
		DefaultReplay: cfg.Replay,
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("🌐 [MEMORYD] listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("🔥 [MEMORYD] http server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("🛑 [MEMORYD] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ [MEMORYD] http server shutdown error: %v", err)
	}
	log.Println("✅ [MEMORYD] stopped")
}

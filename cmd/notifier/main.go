package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"bus-notifier/internal/cache"
	"bus-notifier/internal/config"
	"bus-notifier/internal/db"
	"bus-notifier/internal/fcm"
	"bus-notifier/internal/ingest"
	"bus-notifier/internal/metrics"
	"bus-notifier/internal/notify"
	"bus-notifier/internal/server"
	"bus-notifier/internal/tracker"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open error: %v", err)
	}
	defer sqlDB.Close()
	if err := db.Ping(ctx, sqlDB); err != nil {
		log.Fatalf("db ping error: %v", err)
	}
	store := db.NewStore(sqlDB)

	// Metrics setup
	var mcol *metrics.Collector
	var metricsSrvCancel context.CancelFunc
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.ApproachingRadius)
		mctx, mcancel := context.WithCancel(ctx)
		metricsSrvCancel = mcancel
		srv := mcol.Serve(cfg.MetricsAddr)
		go func() {
			<-mctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if cfg.FCMServerKey == "" {
		log.Printf("FCM_SERVER_KEY is empty; push sends will be rejected upstream")
	}
	gateway := fcm.NewClient(cfg.FCMEndpoint, cfg.FCMServerKey, cfg.FCMTimeout, cfg.FCMSendRate)
	broadcaster := notify.NewBroadcaster(gateway, cfg.FanoutWorkers, notifyMetrics(mcol))

	builder := cache.NewBuilder(store, cacheMetrics(mcol))
	cascader := cache.NewCascader(store, builder)
	registrar := notify.NewRegistrar(store, gateway, cascader)

	engine := tracker.NewEngine(store, builder, broadcaster, cfg.ApproachingRadius, cfg.TrackIdleTTL, trackerMetrics(mcol))
	engine.StartJanitor(ctx, cfg.EvictInterval)
	defer engine.Stop()

	// NATS location feed
	sub, err := ingest.NewSubscriber(cfg.NATSURL, engine, cfg.LogNATSSubjects, ingestMetrics(mcol))
	if err != nil {
		log.Fatalf("nats error: %v", err)
	}
	defer sub.Close()
	if err := sub.Start(ctx); err != nil {
		log.Fatalf("nats subscribe error: %v", err)
	}

	// HTTP API
	api := server.New(engine, registrar, builder, cascader, store)
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.Router()}
	go func() {
		log.Printf("http listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http error: %v", err)
		}
	}()

	// Block until context cancelled
	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if metricsSrvCancel != nil {
		metricsSrvCancel()
	}
	log.Println("shutdown complete")
}

// The metrics helpers hand nil-safe interface values to the packages that
// accept optional metric sinks.

func notifyMetrics(c *metrics.Collector) notify.Metrics {
	if c == nil {
		return nil
	}
	return c
}

func cacheMetrics(c *metrics.Collector) cache.Metrics {
	if c == nil {
		return nil
	}
	return c
}

func trackerMetrics(c *metrics.Collector) tracker.Metrics {
	if c == nil {
		return nil
	}
	return c
}

func ingestMetrics(c *metrics.Collector) ingest.Metrics {
	if c == nil {
		return nil
	}
	return c
}

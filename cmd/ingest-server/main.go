package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"bus-buddy/internal/config"
	"bus-buddy/internal/db"
	"bus-buddy/internal/ingest"
	"bus-buddy/internal/metrics"
	"bus-buddy/internal/publisher"
)

func main() {
	config.InitLogging()

	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("ingest-server: %v", err)
	}
	log.Println("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if err := db.Ping(ctx, sqlDB); err != nil {
		return err
	}
	if err := db.EnsureSchema(ctx, sqlDB); err != nil {
		return err
	}
	log.Printf("using database %s", db.RedactDSN(cfg.DatabaseURL))

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector()
		srv := mcol.Serve(cfg.MetricsAddr, nil)
		defer shutdown(srv)
	}

	store := db.NewStore(sqlDB)
	devices := ingest.ChainDirectory{}
	if cfg.DeviceMapFile != "" {
		file, err := ingest.LoadDeviceFile(cfg.DeviceMapFile)
		if err != nil {
			return err
		}
		log.Printf("loaded %d tracker devices from %s", file.Len(), cfg.DeviceMapFile)
		devices = append(devices, file)
	}
	devices = append(devices, ingest.NewStoreDirectory(store))

	opts := ingest.Options{Devices: devices, Metrics: metrics.Ingest(mcol)}

	var pub *publisher.NATSPublisher
	if cfg.NATSURL != "" {
		pub, err = publisher.NewNATSPublisher(cfg.NATSURL, "bus-buddy-ingest", cfg.LogNATSSubject, metrics.Publisher(mcol))
		if err != nil {
			return err
		}
		defer pub.Close()
		opts.Publisher = pub
	} else {
		log.Printf("NATS_URL not set, live fan-out and NATS ingest disabled")
	}

	svc := ingest.NewService(store, opts)

	if pub != nil {
		sub := ingest.NewSubscriber(svc, pub, publisher.IngestSubject, publisher.IngestQueue)
		if err := sub.Start(); err != nil {
			return err
		}
		defer func() {
			if err := sub.Stop(); err != nil {
				log.Printf("nats unsubscribe: %v", err)
			}
		}()
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	ingest.NewHandler(svc, metrics.Ingest(mcol)).Register(r.Group(""))

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Printf("http listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Block until context cancelled or the listener fails
	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}
	shutdown(srv)
	return nil
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"bus-buddy/internal/config"
	"bus-buddy/internal/geo"
	"bus-buddy/internal/gps"
	"bus-buddy/internal/location"
	"bus-buddy/internal/location/mqttgps"
	"bus-buddy/internal/location/serialgps"
	"bus-buddy/internal/metrics"
	"bus-buddy/internal/publisher"
	"bus-buddy/internal/tracking"
	"bus-buddy/internal/transmit"
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
		log.Fatalf("driver-tracker: %v", err)
	}
	log.Println("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	if cfg.BusID == "" {
		log.Printf("BUS_ID not set, fixes will be tracked but not sent")
	}

	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector()
		mcol.SetTrackerConfig(cfg.MinSendInterval, cfg.MaxDerivedSpeedKmh)
	}

	provider, closeProvider, err := newProvider(cfg)
	if err != nil {
		return err
	}
	defer closeProvider()

	var pub *publisher.NATSPublisher
	if cfg.NATSURL != "" {
		pub, err = publisher.NewNATSPublisher(cfg.NATSURL, "bus-buddy-tracker", cfg.LogNATSSubject, metrics.Publisher(mcol))
		if err != nil {
			return err
		}
		defer pub.Close()
	}

	var sender transmit.Sender
	switch cfg.TransmitMode {
	case config.TransmitNATS:
		sender = &transmit.NATSSender{Requester: pub, Subject: publisher.IngestSubject}
	default:
		sender = &transmit.HTTPSender{URL: cfg.IngestURL, Client: &http.Client{Timeout: cfg.SendTimeout}}
	}

	ctrl, err := tracking.New(provider, sender, tracking.Config{
		BusID:          cfg.BusID,
		TripID:         cfg.TripID,
		Watch:          location.WatchOptions{HighAccuracy: true, Timeout: cfg.AcquireTimeout},
		AcquireTimeout: cfg.AcquireTimeout,
		Normalizer: gps.Normalizer{Policy: geo.SpeedPolicy{
			MaxKmh:       cfg.MaxDerivedSpeedKmh,
			JitterMeters: geo.JitterMeters,
		}},
		Transmit: transmit.Options{
			MinInterval: cfg.MinSendInterval,
			SendTimeout: cfg.SendTimeout,
			Metrics:     metrics.Transmit(mcol),
		},
		Notify: func(n tracking.Notification) {
			log.Printf("NOTICE [%s]: %s", n.Stage, n.Message)
		},
		Metrics: metrics.Tracking(mcol),
	})
	if err != nil {
		return err
	}
	// every exit path releases the location subscription
	defer ctrl.Stop()

	if mcol != nil {
		srv := mcol.Serve(cfg.MetricsAddr, map[string]http.Handler{
			"/diagnostics": diagnosticsHandler(ctrl),
		})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if pub != nil && cfg.BusID != "" {
		unsub, err := pub.SubscribeTripState(cfg.BusID, func(st publisher.TripState) {
			// an empty trip id clears the previous trip
			ctrl.SetAssignment(cfg.BusID, st.TripID)
			log.Printf("trip state for bus %s: active=%t trip=%q", cfg.BusID, st.Active, st.TripID)
			if err := ctrl.SetEnabled(ctx, st.Active); err != nil {
				log.Printf("tracking: %v", err)
			}
		})
		if err != nil {
			return err
		}
		defer func() { _ = unsub() }()
	}

	if cfg.AutoStart {
		if err := ctrl.SetEnabled(ctx, true); err != nil {
			log.Printf("tracking: %v", err)
		}
	}

	<-ctx.Done()
	ctrl.Stop()
	return nil
}

func newProvider(cfg *config.Config) (location.Provider, func(), error) {
	switch cfg.LocationSource {
	case config.SourceMQTT:
		opts := mqtt.NewClientOptions().
			AddBroker(cfg.MQTTBroker).
			SetClientID(cfg.MQTTClientID).
			SetAutoReconnect(true).
			SetConnectionLostHandler(func(_ mqtt.Client, err error) {
				log.Printf("mqtt connection lost: %v", err)
			})
		client := mqtt.NewClient(opts)
		token := client.Connect()
		if !token.WaitTimeout(10 * time.Second) {
			return nil, nil, fmt.Errorf("mqtt connect %s: timed out", cfg.MQTTBroker)
		}
		if err := token.Error(); err != nil {
			return nil, nil, fmt.Errorf("mqtt connect %s: %w", cfg.MQTTBroker, err)
		}
		log.Printf("receiving browser geolocation for device %s via %s", cfg.MQTTDeviceID, cfg.MQTTBroker)
		return mqttgps.New(client, cfg.MQTTTopicPrefix, cfg.MQTTDeviceID), func() { client.Disconnect(250) }, nil
	default:
		log.Printf("reading NMEA from %s at %d baud", cfg.SerialPort, cfg.BaudRate)
		return serialgps.New(serialgps.PortOpener(cfg.SerialPort, cfg.BaudRate)), func() {}, nil
	}
}

func diagnosticsHandler(ctrl *tracking.Controller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(ctrl.Diagnostics()); err != nil {
			log.Printf("diagnostics: %v", err)
		}
	})
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"bus-buddy/internal/geo"
)

const (
	TransmitHTTP = "http"
	TransmitNATS = "nats"

	SourceSerial = "serial"
	SourceMQTT   = "mqtt"
)

type Config struct {
	DatabaseURL    string
	NATSURL        string
	HTTPAddr       string
	MetricsAddr    string
	LogNATSSubject bool

	// ingest server
	DeviceMapFile string

	// driver tracker
	BusID              string
	TripID             string
	IngestURL          string
	TransmitMode       string
	MinSendInterval    time.Duration
	MaxDerivedSpeedKmh float64
	AcquireTimeout     time.Duration
	SendTimeout        time.Duration
	LocationSource     string
	SerialPort         string
	BaudRate           uint
	MQTTBroker         string
	MQTTClientID       string
	MQTTDeviceID       string
	MQTTTopicPrefix    string
	AutoStart          bool
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := getenvDefault("PGDATABASE", "busbuddy")
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	// Empty disables NATS in both binaries.
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.LogNATSSubject = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	cfg.DeviceMapFile = os.Getenv("DEVICE_MAP_FILE")

	cfg.BusID = strings.TrimSpace(os.Getenv("BUS_ID"))
	cfg.TripID = strings.TrimSpace(os.Getenv("TRIP_ID"))
	cfg.IngestURL = getenvDefault("INGEST_URL", "http://127.0.0.1:8080/api/gps/location")

	cfg.TransmitMode = strings.ToLower(getenvDefault("TRANSMIT_MODE", TransmitHTTP))
	switch cfg.TransmitMode {
	case TransmitHTTP:
	case TransmitNATS:
		if cfg.NATSURL == "" {
			return nil, errors.New("TRANSMIT_MODE=nats requires NATS_URL")
		}
	default:
		return nil, fmt.Errorf("invalid TRANSMIT_MODE: %q", cfg.TransmitMode)
	}

	var err error
	if cfg.MinSendInterval, err = durationMS("MIN_SEND_INTERVAL_MS", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.AcquireTimeout, err = durationMS("ACQUIRE_TIMEOUT_MS", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.SendTimeout, err = durationMS("SEND_TIMEOUT_MS", 5*time.Second); err != nil {
		return nil, err
	}

	if v := os.Getenv("MAX_DERIVED_SPEED_KMH"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid MAX_DERIVED_SPEED_KMH: %q", v)
		}
		cfg.MaxDerivedSpeedKmh = f
	} else {
		cfg.MaxDerivedSpeedKmh = geo.DefaultMaxSpeedKmh
	}

	cfg.LocationSource = strings.ToLower(getenvDefault("LOCATION_SOURCE", SourceSerial))
	switch cfg.LocationSource {
	case SourceSerial, SourceMQTT:
	default:
		return nil, fmt.Errorf("invalid LOCATION_SOURCE: %q", cfg.LocationSource)
	}
	cfg.SerialPort = getenvDefault("GPS_SERIAL_PORT", "/dev/ttyUSB0")
	if v := os.Getenv("GPS_BAUD_RATE"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid GPS_BAUD_RATE: %q", v)
		}
		cfg.BaudRate = uint(n)
	} else {
		cfg.BaudRate = 9600
	}

	cfg.MQTTBroker = getenvDefault("MQTT_BROKER", "tcp://127.0.0.1:1883")
	cfg.MQTTClientID = getenvDefault("MQTT_CLIENT_ID", "driver-tracker")
	cfg.MQTTDeviceID = os.Getenv("MQTT_DEVICE_ID")
	cfg.MQTTTopicPrefix = os.Getenv("MQTT_TOPIC_PREFIX")
	if cfg.LocationSource == SourceMQTT && cfg.MQTTDeviceID == "" {
		return nil, errors.New("LOCATION_SOURCE=mqtt requires MQTT_DEVICE_ID")
	}

	cfg.AutoStart = parseBool(os.Getenv("TRACKING_AUTOSTART"))

	return cfg, nil
}

func durationMS(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	NATSURL     string
	HTTPAddr    string
	MetricsAddr string

	FCMServerKey string
	FCMEndpoint  string
	FCMTimeout   time.Duration
	FCMSendRate  float64 // sends per second, 0 disables pacing

	ApproachingRadius float64 // meters
	FanoutWorkers     int
	TrackIdleTTL      time.Duration
	EvictInterval     time.Duration

	LogNATSSubjects bool
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
		db := os.Getenv("PGDATABASE")
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8081")
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	cfg.FCMServerKey = os.Getenv("FCM_SERVER_KEY")
	cfg.FCMEndpoint = getenvDefault("FCM_ENDPOINT", "https://fcm.googleapis.com/fcm/send")

	// Per-send timeout
	if v := os.Getenv("FCM_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid FCM_TIMEOUT_MS: %q", v)
		}
		cfg.FCMTimeout = time.Duration(ms) * time.Millisecond
	} else {
		cfg.FCMTimeout = 5 * time.Second
	}

	// Send pacing (messages per second)
	if v := os.Getenv("FCM_SEND_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return nil, fmt.Errorf("invalid FCM_SEND_RATE: %q", v)
		}
		cfg.FCMSendRate = f
	}

	// Approaching radius in meters; the arrived radius is fixed at 20m
	if v := os.Getenv("GEOFENCE_RADIUS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid GEOFENCE_RADIUS: %q", v)
		}
		cfg.ApproachingRadius = f
	} else {
		cfg.ApproachingRadius = 500
	}

	// Concurrent workers for notification fan-out
	if v := os.Getenv("FANOUT_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid FANOUT_WORKERS: %q", v)
		}
		cfg.FanoutWorkers = n
	} else {
		cfg.FanoutWorkers = 8
	}

	// Abandoned tracking records are evicted after this idle period
	if v := os.Getenv("TRACK_IDLE_TTL_MIN"); v != "" {
		min, err := strconv.Atoi(v)
		if err != nil || min <= 0 {
			return nil, fmt.Errorf("invalid TRACK_IDLE_TTL_MIN: %q", v)
		}
		cfg.TrackIdleTTL = time.Duration(min) * time.Minute
	} else {
		cfg.TrackIdleTTL = 6 * time.Hour
	}

	if v := os.Getenv("EVICT_INTERVAL_MIN"); v != "" {
		min, err := strconv.Atoi(v)
		if err != nil || min <= 0 {
			return nil, fmt.Errorf("invalid EVICT_INTERVAL_MIN: %q", v)
		}
		cfg.EvictInterval = time.Duration(min) * time.Minute
	} else {
		cfg.EvictInterval = 15 * time.Minute
	}

	// Debug logging for NATS subscription subjects
	if v := os.Getenv("LOG_NATS_SUBJECTS"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "t", "yes", "y", "on":
			cfg.LogNATSSubjects = true
		default:
			cfg.LogNATSSubjects = false
		}
	}

	return cfg, nil
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

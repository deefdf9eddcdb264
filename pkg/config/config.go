// Package config loads ASAP server configuration from environment
// variables: read an env var, fall back to a documented default, no
// further layering (no flags, no config files — environment variables
// are the only input).
package config

import (
	"fmt"
	"os"
	"time"
)

// StorageBackend selects the persistence implementation.
type StorageBackend string

const (
	StorageMemory StorageBackend = "memory"
	StorageSQLite StorageBackend = "sqlite"
)

// Config holds every environment-driven setting for the ASAP agent
// process: the storage backend, OTel exporter selection, and standard
// HTTP server settings.
type Config struct {
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string

	// StorageBackend selects between an in-memory store (tests, local
	// development) and the durable SQLite-backed store.
	StorageBackend StorageBackend
	// StoragePath is the SQLite database file path, required when
	// StorageBackend is "sqlite".
	StoragePath string

	// OTelTracesExporter is one of "none", "otlp", "console" — see
	// pkg/observability.TracingConfig.
	OTelTracesExporter string
	// OTelExporterOTLPEndpoint is required when OTelTracesExporter is
	// "otlp"; ignored otherwise.
	OTelExporterOTLPEndpoint string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	LogLevel string
}

// Load reads Config from the process environment, applying the
// documented defaults for every unset variable.
func Load() *Config {
	cfg := &Config{
		ListenAddr:               getEnv("ASAP_LISTEN_ADDR", ":8443"),
		StorageBackend:           StorageBackend(getEnv("ASAP_STORAGE_BACKEND", string(StorageMemory))),
		StoragePath:              getEnv("ASAP_STORAGE_PATH", "asap.db"),
		OTelTracesExporter:       getEnv("OTEL_TRACES_EXPORTER", "none"),
		OTelExporterOTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		ReadTimeout:              getEnvDuration("ASAP_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:             getEnvDuration("ASAP_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:              getEnvDuration("ASAP_IDLE_TIMEOUT", 120*time.Second),
		LogLevel:                 getEnv("ASAP_LOG_LEVEL", "INFO"),
	}
	return cfg
}

// Validate reports a configuration error for a storage backend other
// than "memory" or "sqlite", a "sqlite" backend with no path, a traces
// exporter other than none|otlp|console, and an "otlp" exporter with no
// endpoint.
func (c *Config) Validate() error {
	if c.StorageBackend != StorageMemory && c.StorageBackend != StorageSQLite {
		return fmt.Errorf("config: ASAP_STORAGE_BACKEND must be %q or %q, got %q", StorageMemory, StorageSQLite, c.StorageBackend)
	}
	if c.StorageBackend == StorageSQLite && c.StoragePath == "" {
		return fmt.Errorf("config: ASAP_STORAGE_PATH is required when ASAP_STORAGE_BACKEND=sqlite")
	}
	switch c.OTelTracesExporter {
	case "none", "otlp", "console":
	default:
		return fmt.Errorf("config: OTEL_TRACES_EXPORTER must be one of none|otlp|console, got %q", c.OTelTracesExporter)
	}
	if c.OTelTracesExporter == "otlp" && c.OTelExporterOTLPEndpoint == "" {
		return fmt.Errorf("config: OTEL_EXPORTER_OTLP_ENDPOINT is required when OTEL_TRACES_EXPORTER=otlp")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

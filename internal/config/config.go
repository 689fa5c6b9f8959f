// Package config loads gpm's layered configuration: coded defaults,
// overlaid by a TOML file, overlaid by GPM_-prefixed environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/ikaganacar1/gpm/pkg/errdefs"
)

type ServiceConfig struct {
	PollIntervalSecs uint64 `toml:"poll_interval_secs"`
	DataDir          string `toml:"data_dir"`
}

type GPUConfig struct {
	EnableNVML           bool `toml:"enable_nvml"`
	FallbackToNvidiaSMI  bool `toml:"fallback_to_nvidia_smi"`
}

type OllamaConfig struct {
	Enabled bool   `toml:"enabled"`
	APIPort uint16 `toml:"api_port"`
	APIURL  string `toml:"api_url"`
}

type StorageConfig struct {
	RetentionDays        uint32 `toml:"retention_days"`
	EnableParquetArchival bool  `toml:"enable_parquet_archival"`
	ArchiveDir           string `toml:"archive_dir"`
}

type TelemetryConfig struct {
	EnableOpenTelemetry bool   `toml:"enable_opentelemetry"`
	OTLPEndpoint        string `toml:"otlp_endpoint"`
	EnablePrometheus    bool   `toml:"enable_prometheus"`
	MetricsPort         uint16 `toml:"metrics_port"`
}

type AlertsConfig struct {
	TempThresholdCelsius    float64 `toml:"temp_threshold_celsius"`
	MemoryThresholdPercent  float64 `toml:"memory_threshold_percent"`
}

type Config struct {
	Service   ServiceConfig   `toml:"service"`
	GPU       GPUConfig       `toml:"gpu"`
	Ollama    OllamaConfig    `toml:"ollama"`
	Storage   StorageConfig   `toml:"storage"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Alerts    AlertsConfig    `toml:"alerts"`

	// ProxyListenAddr and ReadAPIAddr are not spec TOML keys (§6 fixes
	// the read API to 8010). They are set only by Default(): neither the
	// TOML file, the GPM_ environment overrides nor a cmd/gpmd flag
	// changes them.
	ProxyListenAddr string `toml:"-"`
	ReadAPIAddr     string `toml:"-"`
}

// Default returns the coded defaults from spec §6.
func Default() Config {
	dataDir, cfgDir := defaultDirs()
	return Config{
		Service: ServiceConfig{
			PollIntervalSecs: 2,
			DataDir:          dataDir,
		},
		GPU: GPUConfig{
			EnableNVML:          true,
			FallbackToNvidiaSMI: false,
		},
		Ollama: OllamaConfig{
			Enabled: true,
			APIPort: 11434,
			APIURL:  "http://localhost:11434",
		},
		Storage: StorageConfig{
			RetentionDays:         7,
			EnableParquetArchival: true,
			ArchiveDir:            filepath.Join(dataDir, "archive"),
		},
		Telemetry: TelemetryConfig{
			EnableOpenTelemetry: true,
			OTLPEndpoint:        "http://localhost:4317",
			EnablePrometheus:    true,
			MetricsPort:         9090,
		},
		Alerts: AlertsConfig{
			TempThresholdCelsius:   85.0,
			MemoryThresholdPercent: 90.0,
		},
		ProxyListenAddr: ":11435",
		ReadAPIAddr:     ":8010",
	}
}

func defaultDirs() (dataDir, cfgDir string) {
	udd, err := os.UserHomeDir()
	if err != nil {
		udd = "."
	}
	dataDir = filepath.Join(udd, ".local", "share", "gpm")
	cfgDir = filepath.Join(udd, ".config", "gpm")
	return dataDir, cfgDir
}

// DefaultConfigPath returns <user-config>/gpm/config.toml.
func DefaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "gpm", "config.toml")
	}
	_, cfgDir := defaultDirs()
	return filepath.Join(cfgDir, "config.toml")
}

// Load builds a Config starting from Default(), overlaying the TOML
// file at path (if it exists), then overlaying GPM_ environment
// variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, errdefs.ErrConfig)
			}
		} else {
			if err := toml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, errdefs.ErrConfig)
			}
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides overlays GPM_<SECTION>_<FIELD> environment
// variables, e.g. GPM_SERVICE_POLL_INTERVAL_SECS.
func applyEnvOverrides(cfg *Config) {
	overrideUint64(&cfg.Service.PollIntervalSecs, "GPM_SERVICE_POLL_INTERVAL_SECS")
	overrideString(&cfg.Service.DataDir, "GPM_SERVICE_DATA_DIR")

	overrideBool(&cfg.GPU.EnableNVML, "GPM_GPU_ENABLE_NVML")
	overrideBool(&cfg.GPU.FallbackToNvidiaSMI, "GPM_GPU_FALLBACK_TO_NVIDIA_SMI")

	overrideBool(&cfg.Ollama.Enabled, "GPM_OLLAMA_ENABLED")
	overrideUint16(&cfg.Ollama.APIPort, "GPM_OLLAMA_API_PORT")
	overrideString(&cfg.Ollama.APIURL, "GPM_OLLAMA_API_URL")

	overrideUint32(&cfg.Storage.RetentionDays, "GPM_STORAGE_RETENTION_DAYS")
	overrideBool(&cfg.Storage.EnableParquetArchival, "GPM_STORAGE_ENABLE_PARQUET_ARCHIVAL")
	overrideString(&cfg.Storage.ArchiveDir, "GPM_STORAGE_ARCHIVE_DIR")

	overrideBool(&cfg.Telemetry.EnableOpenTelemetry, "GPM_TELEMETRY_ENABLE_OPENTELEMETRY")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "GPM_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.EnablePrometheus, "GPM_TELEMETRY_ENABLE_PROMETHEUS")
	overrideUint16(&cfg.Telemetry.MetricsPort, "GPM_TELEMETRY_METRICS_PORT")

	overrideFloat64(&cfg.Alerts.TempThresholdCelsius, "GPM_ALERTS_TEMP_THRESHOLD_CELSIUS")
	overrideFloat64(&cfg.Alerts.MemoryThresholdPercent, "GPM_ALERTS_MEMORY_THRESHOLD_PERCENT")
}

func overrideString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func overrideBool(dst *bool, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	*dst = strings.EqualFold(v, "true") || v == "1"
}

func overrideUint64(dst *uint64, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	if n, err := strconv.ParseUint(v, 10, 64); err == nil {
		*dst = n
	}
}

func overrideUint32(dst *uint32, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	if n, err := strconv.ParseUint(v, 10, 32); err == nil {
		*dst = uint32(n)
	}
}

func overrideUint16(dst *uint16, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	if n, err := strconv.ParseUint(v, 10, 16); err == nil {
		*dst = uint16(n)
	}
}

func overrideFloat64(dst *float64, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = n
	}
}

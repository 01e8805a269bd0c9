// Package config loads sentryd's configuration from a file plus
// environment overrides, the way this codebase's other services load
// theirs: a hierarchical viper.Viper with mapstructure-tagged structs, a
// set of sensible defaults, and a small sensitivity preset mechanism.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete configuration tree for the sentryd sensor.
type Config struct {
	InstanceID string `mapstructure:"instance_id"`
	LogLevel   string `mapstructure:"log_level"`

	Network   NetworkConfig   `mapstructure:"network"`
	Detection DetectionConfig `mapstructure:"detection"`

	Geolocation         GeolocationConfig         `mapstructure:"geolocation"`
	ThreatIntelligence  ThreatIntelligenceConfig  `mapstructure:"threat_intelligence"`
	Dashboard           DashboardConfig           `mapstructure:"dashboard"`
	Notifications       NotificationsConfig       `mapstructure:"notifications"`

	Redis      RedisConfig      `mapstructure:"redis"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	NATS       NATSConfig       `mapstructure:"nats"`
}

// NetworkConfig controls packet capture.
type NetworkConfig struct {
	Interface    string `mapstructure:"interface"`
	Interfaces   []string `mapstructure:"interfaces"`
	SnapLength   int32  `mapstructure:"snap_length"`
	Promiscuous  bool   `mapstructure:"promiscuous"`
	BPFFilter    string `mapstructure:"bpf_filter"`
	BufferSize   int    `mapstructure:"buffer_size"`
}

// DetectionConfig controls the Detector's thresholds and windows.
type DetectionConfig struct {
	FlowIdleTimeout       time.Duration `mapstructure:"flow_idle_timeout"`
	PortScanThreshold     int           `mapstructure:"port_scan_threshold"`
	PortScanWindow        time.Duration `mapstructure:"port_scan_window"`
	SynFloodThreshold     int           `mapstructure:"syn_flood_threshold"`
	DDoSThreshold         int           `mapstructure:"ddos_threshold"`
	RateWindow            time.Duration `mapstructure:"rate_window"`
	BruteForceThreshold   int           `mapstructure:"brute_force_threshold"`
	SynTrackerKeyMode     string        `mapstructure:"syn_tracker_key_mode"` // "dst" or "src_dst"
	RulesFile             string        `mapstructure:"rules_file"`
	Anomaly               AnomalyConfig `mapstructure:"anomaly"`
}

// AnomalyConfig controls the optional baseline anomaly scorer.
type AnomalyConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Multiplier float64 `mapstructure:"multiplier"`
}

// GeolocationConfig controls GeoIP enrichment.
type GeolocationConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	CacheSize int    `mapstructure:"cache_size"`
	DBPath    string `mapstructure:"db_path"`
}

// ThreatIntelligenceConfig controls the AbuseIPDB reputation client.
type ThreatIntelligenceConfig struct {
	AbuseIPDB AbuseIPDBConfig `mapstructure:"abuseipdb"`
}

// AbuseIPDBConfig is the set of knobs the original spec names under
// threat_intelligence.abuseipdb.*.
type AbuseIPDBConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	APIKey              string        `mapstructure:"api_key"`
	CacheTTL            time.Duration `mapstructure:"cache_ttl"`
	ConfidenceThreshold int           `mapstructure:"confidence_threshold"`
}

// DashboardConfig controls the push-channel sink.
type DashboardConfig struct {
	URL string `mapstructure:"url"`
}

// NotificationsConfig controls the webhook/email notifiers.
type NotificationsConfig struct {
	Email   EmailConfig   `mapstructure:"email"`
	Slack   WebhookConfig `mapstructure:"slack"`
	Discord WebhookConfig `mapstructure:"discord"`
}

type EmailConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	SMTPServer string   `mapstructure:"smtp_server"`
	SMTPPort   int      `mapstructure:"smtp_port"`
	Sender     string   `mapstructure:"sender"`
	Password   string   `mapstructure:"password"`
	Recipients []string `mapstructure:"recipients"`
}

type WebhookConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
}

// RedisConfig backs the reputation/geo cache (component G) when set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PostgresConfig backs the persistent alert store.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ClickHouseConfig backs the additive feature/analytics sink.
type ClickHouseConfig struct {
	Addr     string `mapstructure:"addr"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// NATSConfig backs the additive alert-republish egress.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// Preset tunes detection sensitivity: light, standard, aggressive.
type Preset string

const (
	PresetLight      Preset = "light"
	PresetStandard   Preset = "standard"
	PresetAggressive Preset = "aggressive"
)

// Load reads configuration from configPath (or the default search path
// when empty), applies SENTRYD_-prefixed environment overrides, and
// returns the assembled Config.
func Load(configPath string, preset Preset) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	applyPreset(v, preset)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("sentryd")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/sentryd/")
		v.AddConfigPath("$HOME/.sentryd")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SENTRYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyLegacyEnvOverrides(&cfg)

	if cfg.InstanceID == "" {
		cfg.InstanceID = generateInstanceID()
	}
	if cfg.Detection.SynTrackerKeyMode != "dst" && cfg.Detection.SynTrackerKeyMode != "src_dst" {
		cfg.Detection.SynTrackerKeyMode = "dst"
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("network.interface", "eth0")
	v.SetDefault("network.snap_length", 65535)
	v.SetDefault("network.promiscuous", true)
	v.SetDefault("network.bpf_filter", "ip")
	v.SetDefault("network.buffer_size", 5000)

	v.SetDefault("detection.flow_idle_timeout", 60*time.Second)
	v.SetDefault("detection.port_scan_threshold", 10)
	v.SetDefault("detection.port_scan_window", 60*time.Second)
	v.SetDefault("detection.syn_flood_threshold", 100)
	v.SetDefault("detection.ddos_threshold", 100)
	v.SetDefault("detection.rate_window", time.Second)
	v.SetDefault("detection.brute_force_threshold", 5)
	v.SetDefault("detection.syn_tracker_key_mode", "dst")
	v.SetDefault("detection.anomaly.enabled", false)
	v.SetDefault("detection.anomaly.multiplier", 3.0)

	v.SetDefault("geolocation.enabled", true)
	v.SetDefault("geolocation.cache_size", 1000)

	v.SetDefault("threat_intelligence.abuseipdb.enabled", false)
	v.SetDefault("threat_intelligence.abuseipdb.cache_ttl", 86400*time.Second)
	v.SetDefault("threat_intelligence.abuseipdb.confidence_threshold", 75)

	v.SetDefault("dashboard.url", "http://localhost:5000/api/alert")
}

// applyPreset nudges detection thresholds the way the sensor's
// standard/light/aggressive presets do: aggressive lowers thresholds
// (more sensitive, more false positives); light raises them.
func applyPreset(v *viper.Viper, preset Preset) {
	switch preset {
	case PresetAggressive:
		v.SetDefault("detection.port_scan_threshold", 5)
		v.SetDefault("detection.syn_flood_threshold", 50)
		v.SetDefault("detection.ddos_threshold", 50)
	case PresetLight:
		v.SetDefault("detection.port_scan_threshold", 25)
		v.SetDefault("detection.syn_flood_threshold", 250)
		v.SetDefault("detection.ddos_threshold", 250)
	case PresetStandard, "":
		// defaults already set
	}
}

// applyLegacyEnvOverrides honors the three environment variables named
// explicitly in the external-interfaces contract, in addition to the
// generic SENTRYD_ prefix viper already applies.
func applyLegacyEnvOverrides(cfg *Config) {
	if v := lookupEnv("IDS_INTERFACE"); v != "" {
		cfg.Network.Interface = v
	}
	if v := lookupEnv("DASHBOARD_URL"); v != "" {
		cfg.Dashboard.URL = v
	}
	if v := lookupEnv("DB_PATH"); v != "" && cfg.Postgres.DSN == "" {
		cfg.Postgres.DSN = v
	}
}

func lookupEnv(key string) string {
	return os.Getenv(key)
}

func generateInstanceID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "sentryd-unknown"
	}
	return "sentryd-" + hex.EncodeToString(b)
}

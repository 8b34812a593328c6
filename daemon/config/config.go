package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rhizomemesh/rhizome/internal/validation"
)

// EnvPrefix prefixes environment overrides, e.g. RHIZOME_API_REST_ADDRESS.
const EnvPrefix = "RHIZOME"

// Config holds daemon configuration
type Config struct {
	DataDir string `mapstructure:"data_dir" validate:"required"`
	// PassphraseEnv names the variable holding the keystore passphrase.
	// When it is unset the passphrase is prompted for on a terminal.
	PassphraseEnv string `mapstructure:"passphrase_env"`

	API       APIConfig       `mapstructure:"api"`
	Transport TransportConfig `mapstructure:"transport"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Store     StoreConfig     `mapstructure:"store"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type APIConfig struct {
	RESTAddress string `mapstructure:"rest_address" validate:"listen_addr"`
	// GRPCAddress serves the gRPC health service; empty disables it.
	GRPCAddress     string `mapstructure:"grpc_address" validate:"omitempty,listen_addr"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password" validate:"required_with=Username"`
	Token           string `mapstructure:"token"`
	EventBufferSize int    `mapstructure:"event_buffer_size" validate:"min=1"`
}

type TransportConfig struct {
	QUICAddress string `mapstructure:"quic_address" validate:"listen_addr"`
	// AnnounceHTTP is the fetch address announced to peers; it defaults to
	// the REST port on whatever host the peer reached us at.
	AnnounceHTTP   string        `mapstructure:"announce_http" validate:"omitempty,listen_addr"`
	NodeName       string        `mapstructure:"node_name"`
	Peers          []string      `mapstructure:"peers" validate:"dive,peer_addr"`
	AdvertInterval time.Duration `mapstructure:"advert_interval" validate:"gt=0"`
	BatchSize      int           `mapstructure:"batch_size" validate:"min=1"`
	AcceptRate     float64       `mapstructure:"accept_rate" validate:"gt=0"`
	AcceptBurst    int           `mapstructure:"accept_burst" validate:"min=1"`
}

type FetchConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	Interval      time.Duration `mapstructure:"interval" validate:"gt=0"`
	IgnoreTimeout time.Duration `mapstructure:"ignore_timeout" validate:"gt=0"`
	// AdvertTTL bounds how long adverts deferred by full queues are retried.
	AdvertTTL time.Duration `mapstructure:"advert_ttl" validate:"gt=0"`
}

type StoreConfig struct {
	GCInterval    time.Duration `mapstructure:"gc_interval" validate:"gt=0"`
	GCRetention   time.Duration `mapstructure:"gc_retention" validate:"gte=0"`
	StatsInterval time.Duration `mapstructure:"stats_interval" validate:"gt=0"`
	ImportDir     string        `mapstructure:"import_dir"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"min=1"`
	MaxBackups int    `mapstructure:"max_backups" validate:"min=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"min=0"`
}

type TelemetryConfig struct {
	// MetricsAddress serves /metrics, /health and pprof; empty disables it.
	MetricsAddress string  `mapstructure:"metrics_address" validate:"omitempty,listen_addr"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint" validate:"omitempty,url"`
	SampleRatio    float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

// DefaultDataDir is ~/.local/share/rhizome.
func DefaultDataDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".local", "share", "rhizome")
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir:       DefaultDataDir(),
		PassphraseEnv: "RHIZOME_PASSPHRASE",
		API: APIConfig{
			RESTAddress:     "127.0.0.1:4110",
			GRPCAddress:     "127.0.0.1:4112",
			EventBufferSize: 100,
		},
		Transport: TransportConfig{
			QUICAddress:    ":4111",
			AdvertInterval: 10 * time.Second,
			BatchSize:      256,
			AcceptRate:     5,
			AcceptBurst:    20,
		},
		Fetch: FetchConfig{
			IdleTimeout:   10 * time.Second,
			Interval:      2 * time.Second,
			IgnoreTimeout: 60 * time.Second,
			AdvertTTL:     time.Hour,
		},
		Store: StoreConfig{
			GCInterval:    time.Hour,
			GCRetention:   24 * time.Hour,
			StatsInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Telemetry: TelemetryConfig{
			MetricsAddress: "127.0.0.1:9464",
			SampleRatio:    1,
		},
	}
}

// setDefaults mirrors DefaultConfig into v so that environment variables
// can override keys that no file sets.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("passphrase_env", d.PassphraseEnv)

	v.SetDefault("api.rest_address", d.API.RESTAddress)
	v.SetDefault("api.grpc_address", d.API.GRPCAddress)
	v.SetDefault("api.username", "")
	v.SetDefault("api.password", "")
	v.SetDefault("api.token", "")
	v.SetDefault("api.event_buffer_size", d.API.EventBufferSize)

	v.SetDefault("transport.quic_address", d.Transport.QUICAddress)
	v.SetDefault("transport.announce_http", "")
	v.SetDefault("transport.node_name", "")
	v.SetDefault("transport.peers", []string{})
	v.SetDefault("transport.advert_interval", d.Transport.AdvertInterval)
	v.SetDefault("transport.batch_size", d.Transport.BatchSize)
	v.SetDefault("transport.accept_rate", d.Transport.AcceptRate)
	v.SetDefault("transport.accept_burst", d.Transport.AcceptBurst)

	v.SetDefault("fetch.idle_timeout", d.Fetch.IdleTimeout)
	v.SetDefault("fetch.interval", d.Fetch.Interval)
	v.SetDefault("fetch.ignore_timeout", d.Fetch.IgnoreTimeout)
	v.SetDefault("fetch.advert_ttl", d.Fetch.AdvertTTL)

	v.SetDefault("store.gc_interval", d.Store.GCInterval)
	v.SetDefault("store.gc_retention", d.Store.GCRetention)
	v.SetDefault("store.stats_interval", d.Store.StatsInterval)
	v.SetDefault("store.import_dir", "")

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)

	v.SetDefault("telemetry.metrics_address", d.Telemetry.MetricsAddress)
	v.SetDefault("telemetry.jaeger_endpoint", "")
	v.SetDefault("telemetry.sample_ratio", d.Telemetry.SampleRatio)
}

// LoadConfig reads configPath (YAML, TOML or JSON by extension) over the
// defaults, applies RHIZOME_* environment overrides and validates the
// result. An empty configPath loads defaults and environment only.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || os.IsNotExist(err) {
				return nil, fmt.Errorf("config file %s not found: %w", configPath, err)
			}
			return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// a comma separated RHIZOME_TRANSPORT_PEERS arrives as one element
	if len(cfg.Transport.Peers) == 1 && strings.Contains(cfg.Transport.Peers[0], ",") {
		cfg.Transport.Peers = splitList(cfg.Transport.Peers[0])
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.Store.ImportDir = expandHome(cfg.Store.ImportDir)
	cfg.Log.File = expandHome(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	return validation.Struct(c)
}

// KeystorePath is where the node identity is kept.
func (c *Config) KeystorePath() string {
	return filepath.Join(c.DataDir, "keys", "identity.json")
}

func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "store")
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// expandHome expands a leading "~/" to the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}

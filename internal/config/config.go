package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"metasrv/pkg/election"
	"metasrv/pkg/metaerrors"
	"metasrv/pkg/metasrv"
	"metasrv/pkg/selector"
	"metasrv/pkg/sequence"
)

// Config - корневая структура конфигурации meta server.
type Config struct {
	Logger  LoggerConfig  `yaml:"logger"`
	MetaSrv MetaSrvConfig `yaml:"metasrv"`
	HTTP    HTTPConfig    `yaml:"http"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type MetaSrvConfig struct {
	BindAddr       string   `yaml:"bind_addr"`
	ServerAddr     string   `yaml:"server_addr"`
	StoreAddrs     []string `yaml:"store_addrs"`
	UseMemoryStore bool     `yaml:"use_memory_store"`
	Selector       string   `yaml:"selector"`

	Store    StoreConfig    `yaml:"store"`
	Election ElectionConfig `yaml:"election"`

	LeaseTTL      time.Duration `yaml:"lease_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	Sequence     SequenceConfig `yaml:"sequence"`
	TableIDStart uint64         `yaml:"table_id_start"`
}

// StoreConfig describes the ZooKeeper session backing the durable store.
type StoreConfig struct {
	Root           string        `yaml:"root"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type ElectionConfig struct {
	KeepAliveInterval    time.Duration `yaml:"keep_alive_interval"`
	MaxKeepAliveFailures int           `yaml:"max_keep_alive_failures"`
	RetryBackoff         time.Duration `yaml:"retry_backoff"`
}

type SequenceConfig struct {
	Start uint64 `yaml:"start"`
	Step  uint64 `yaml:"step"`
}

type HTTPConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

const (
	EnvBindAddr   = "METASRV_BIND_ADDR"
	EnvServerAddr = "METASRV_SERVER_ADDR"
	EnvStoreAddrs = "METASRV_STORE_ADDRS"
)

// Default returns a baseline development config.
func Default() Config {
	opts := metasrv.DefaultOptions()
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		MetaSrv: MetaSrvConfig{
			BindAddr:       opts.BindAddr,
			ServerAddr:     opts.ServerAddr,
			StoreAddrs:     opts.StoreAddrs,
			UseMemoryStore: opts.UseMemoryStore,
			Selector:       string(opts.Selector),
			Store: StoreConfig{
				Root:           "/metasrv",
				SessionTimeout: 10 * time.Second,
				ConnectTimeout: 5 * time.Second,
			},
			Election: ElectionConfig{
				KeepAliveInterval:    time.Second,
				MaxKeepAliveFailures: 3,
				RetryBackoff:         500 * time.Millisecond,
			},
			LeaseTTL:      opts.LeaseTTL,
			SweepInterval: opts.SweepInterval,
			Sequence: SequenceConfig{
				Start: opts.Sequence.Start,
				Step:  opts.Sequence.Step,
			},
			TableIDStart: opts.TableIDStart,
		},
		HTTP: HTTPConfig{
			Addr:              "127.0.0.1:4000",
			ReadHeaderTimeout: time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
	}
}

// Load reads a YAML file over Default(). A missing file yields the defaults;
// environment overrides are applied in both cases.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Info("config file not found, using default config", "path", path)
	case err != nil:
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, metaerrors.Configf("parse %s: %v", path, err)
		}
	}

	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvBindAddr); ok && v != "" {
		c.MetaSrv.BindAddr = v
	}
	if v, ok := lookup(EnvServerAddr); ok && v != "" {
		c.MetaSrv.ServerAddr = v
	}
	if v, ok := lookup(EnvStoreAddrs); ok && v != "" {
		var addrs []string
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				addrs = append(addrs, a)
			}
		}
		c.MetaSrv.StoreAddrs = addrs
	}
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	m := c.MetaSrv
	if m.BindAddr == "" {
		return metaerrors.Configf("metasrv.bind_addr is required")
	}
	if _, err := selector.ParseType(m.Selector); err != nil {
		return fmt.Errorf("%w: %w", metaerrors.ErrConfig, err)
	}
	if _, err := slogLevel(c.Logger.Level); err != nil {
		return err
	}
	if m.LeaseTTL <= 0 || m.SweepInterval <= 0 {
		return metaerrors.Configf("lease_ttl and sweep_interval must be positive")
	}
	if m.Sequence.Step == 0 {
		return metaerrors.Configf("sequence.step must be positive")
	}
	if m.UseMemoryStore {
		return nil
	}

	if len(m.StoreAddrs) == 0 {
		return metaerrors.Configf("metasrv.store_addrs is required unless use_memory_store is set")
	}
	if m.Store.Root == "" || !strings.HasPrefix(m.Store.Root, "/") {
		return metaerrors.Configf("metasrv.store.root must be an absolute path, got %q", m.Store.Root)
	}
	if m.Store.SessionTimeout <= 0 || m.Store.ConnectTimeout <= 0 {
		return metaerrors.Configf("store session and connect timeouts must be positive")
	}
	if m.Election.KeepAliveInterval <= 0 || m.Election.MaxKeepAliveFailures <= 0 {
		return metaerrors.Configf("election.keep_alive_interval and election.max_keep_alive_failures must be positive")
	}
	return election.ZKConfig{
		SessionTimeout:       m.Store.SessionTimeout,
		KeepAliveInterval:    m.Election.KeepAliveInterval,
		MaxKeepAliveFailures: m.Election.MaxKeepAliveFailures,
	}.Validate()
}

// Options converts the file representation into the core options.
func (c Config) Options() metasrv.Options {
	m := c.MetaSrv
	seq := sequence.DefaultConfig()
	seq.Start = m.Sequence.Start
	seq.Step = m.Sequence.Step

	return metasrv.Options{
		BindAddr:       m.BindAddr,
		ServerAddr:     m.ServerAddr,
		StoreAddrs:     m.StoreAddrs,
		UseMemoryStore: m.UseMemoryStore,
		Selector:       selector.Type(strings.ToLower(strings.TrimSpace(m.Selector))),
		LeaseTTL:       m.LeaseTTL,
		SweepInterval:  m.SweepInterval,
		Sequence:       seq,
		TableIDStart:   m.TableIDStart,
	}
}

// SlogLevel maps the configured level name onto slog.
func (c Config) SlogLevel() slog.Level {
	l, _ := slogLevel(c.Logger.Level)
	return l
}

func slogLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, metaerrors.Configf("unknown logger.level %q", s)
	}
}

// Marshal renders the config back to YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Package config loads thpctl configuration from YAML with THP_ environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/TheusHen/thp/thp/pairing"
)

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Transport TransportConfig `mapstructure:"transport"`
	Host      HostConfig      `mapstructure:"host"`
	Device    DeviceConfig    `mapstructure:"device"`
	Trace     TraceConfig     `mapstructure:"trace"`
}

type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr or file paths
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

type TransportConfig struct {
	// Kind: udp, quic or mem
	Kind       string `mapstructure:"kind"`
	Address    string `mapstructure:"address"`
	PacketSize int    `mapstructure:"packet_size"`
}

type HostConfig struct {
	HostName string `mapstructure:"host_name"`
	AppName  string `mapstructure:"app_name"`
	// CredentialDB is the SQLite credential store; empty keeps credentials
	// in memory.
	CredentialDB       string `mapstructure:"credential_db"`
	CredentialPassword string `mapstructure:"credential_password"`
	StaticKeyPath      string `mapstructure:"static_key_path"`
	// PairingMethod: skip, code-entry, qr-code or nfc
	PairingMethod string        `mapstructure:"pairing_method"`
	Autoconnect   bool          `mapstructure:"autoconnect"`
	TryToUnlock   bool          `mapstructure:"try_to_unlock"`
	AckTimeout    time.Duration `mapstructure:"ack_timeout"`
	Retransmits   int           `mapstructure:"retransmits"`
	BusyRetries   int           `mapstructure:"busy_retries"`
	// ResponseTimeout bounds the wait for a reply after the device ACKs.
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
}

type DeviceConfig struct {
	InternalModel  string   `mapstructure:"internal_model"`
	ModelVariant   uint32   `mapstructure:"model_variant"`
	PairingMethods []string `mapstructure:"pairing_methods"`
	StaticKeyPath  string   `mapstructure:"static_key_path"`
	// SecretPath holds the credential MAC key; created when missing.
	SecretPath string `mapstructure:"secret_path"`
	// PairingCode is the code shown for code entry pairing.
	PairingCode string `mapstructure:"pairing_code"`
}

type TraceConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Transport: TransportConfig{
			Kind:       "udp",
			Address:    "127.0.0.1:21324",
			PacketSize: 64,
		},
		Host: HostConfig{
			HostName:        hostname(),
			AppName:         "thpctl",
			StaticKeyPath:   "thp/host.key",
			PairingMethod:   "skip",
			AckTimeout:      time.Second,
			Retransmits:     3,
			BusyRetries:     5,
			ResponseTimeout: 30 * time.Second,
		},
		Device: DeviceConfig{
			InternalModel:  "T3W1",
			PairingMethods: []string{"skip", "code-entry"},
			StaticKeyPath:  "thp/device.key",
			SecretPath:     "thp/device.secret",
			PairingCode:    "123456",
		},
		Trace: TraceConfig{Path: "thp-trace.lz4"},
	}
}

func hostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "thp-host"
}

// Load reads path, or thp.yaml from the working directory and ~/.thp when
// path is empty. A missing file is not an error. Environment variables use
// the THP prefix with dots replaced by underscores, e.g. THP_LOG_LEVEL.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("THP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("transport.kind", cfg.Transport.Kind)
	v.SetDefault("transport.address", cfg.Transport.Address)
	v.SetDefault("transport.packet_size", cfg.Transport.PacketSize)
	v.SetDefault("host.host_name", cfg.Host.HostName)
	v.SetDefault("host.app_name", cfg.Host.AppName)
	v.SetDefault("host.credential_db", cfg.Host.CredentialDB)
	v.SetDefault("host.credential_password", cfg.Host.CredentialPassword)
	v.SetDefault("host.static_key_path", cfg.Host.StaticKeyPath)
	v.SetDefault("host.pairing_method", cfg.Host.PairingMethod)
	v.SetDefault("host.autoconnect", cfg.Host.Autoconnect)
	v.SetDefault("host.try_to_unlock", cfg.Host.TryToUnlock)
	v.SetDefault("host.ack_timeout", cfg.Host.AckTimeout)
	v.SetDefault("host.retransmits", cfg.Host.Retransmits)
	v.SetDefault("host.busy_retries", cfg.Host.BusyRetries)
	v.SetDefault("host.response_timeout", cfg.Host.ResponseTimeout)
	v.SetDefault("device.internal_model", cfg.Device.InternalModel)
	v.SetDefault("device.model_variant", cfg.Device.ModelVariant)
	v.SetDefault("device.pairing_methods", cfg.Device.PairingMethods)
	v.SetDefault("device.static_key_path", cfg.Device.StaticKeyPath)
	v.SetDefault("device.secret_path", cfg.Device.SecretPath)
	v.SetDefault("device.pairing_code", cfg.Device.PairingCode)
	v.SetDefault("trace.enabled", cfg.Trace.Enabled)
	v.SetDefault("trace.path", cfg.Trace.Path)

	if path == "" {
		path = os.Getenv("THP_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("thp")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".thp"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	switch c.Transport.Kind {
	case "udp", "quic", "mem":
	default:
		return fmt.Errorf("invalid transport.kind: %q", c.Transport.Kind)
	}
	if c.Transport.PacketSize < 8 || c.Transport.PacketSize > 0xffff {
		return fmt.Errorf("invalid transport.packet_size: %d", c.Transport.PacketSize)
	}

	if _, err := pairing.ParseMethod(c.Host.PairingMethod); err != nil {
		return fmt.Errorf("invalid host.pairing_method: %w", err)
	}
	if c.Host.AckTimeout <= 0 {
		return fmt.Errorf("invalid host.ack_timeout: %s", c.Host.AckTimeout)
	}
	if c.Host.ResponseTimeout <= 0 {
		return fmt.Errorf("invalid host.response_timeout: %s", c.Host.ResponseTimeout)
	}
	if _, err := c.Device.Methods(); err != nil {
		return err
	}
	return nil
}

// Methods parses the advertised pairing methods.
func (d *DeviceConfig) Methods() ([]pairing.Method, error) {
	methods := make([]pairing.Method, 0, len(d.PairingMethods))
	for _, s := range d.PairingMethods {
		m, err := pairing.ParseMethod(s)
		if err != nil {
			return nil, fmt.Errorf("invalid device.pairing_methods: %w", err)
		}
		methods = append(methods, m)
	}
	if len(methods) == 0 {
		return nil, errors.New("device.pairing_methods is empty")
	}
	return methods, nil
}

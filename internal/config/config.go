package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tidwall/jsonc"

	"podlocator/go-poller/internal/model"
)

// Config lists the tunable parameters for the poller.
type Config struct {
	AccessoryCase  string `mapstructure:"AIRPOD_CASE"`
	AccessoryLeft  string `mapstructure:"AIRPOD_LEFT"`
	AccessoryRight string `mapstructure:"AIRPOD_RIGHT"`

	PollIntervalSeconds int    `mapstructure:"PODLOCATOR_POLL_INTERVAL"`
	SessionPath         string `mapstructure:"PODLOCATOR_SESSION_PATH"`
	AnisetteLibs        string `mapstructure:"PODLOCATOR_ANISETTE_LIBS"`
	DatabasePath        string `mapstructure:"PODLOCATOR_DATABASE_PATH"`

	GatewayURL       string `mapstructure:"PODLOCATOR_GATEWAY_URL"`
	GatewayRateLimit int    `mapstructure:"PODLOCATOR_GATEWAY_RATE_LIMIT"`

	HTTPPort    int    `mapstructure:"PODLOCATOR_HTTP_PORT"`
	MetricsPort int    `mapstructure:"PODLOCATOR_METRICS_PORT"`
	LogLevel    string `mapstructure:"PODLOCATOR_LOG_LEVEL"`

	AccountID         string `mapstructure:"PODLOCATOR_ACCOUNT_ID"`
	PasswordFile      string `mapstructure:"PODLOCATOR_PASSWORD_FILE"`
	SessionPassphrase string `mapstructure:"PODLOCATOR_SESSION_PASSPHRASE"`

	MQTTBroker      string `mapstructure:"PODLOCATOR_MQTT_BROKER"`
	MQTTTopicPrefix string `mapstructure:"PODLOCATOR_MQTT_TOPIC_PREFIX"`
	MDNSEnabled     bool   `mapstructure:"PODLOCATOR_MDNS_ENABLED"`
	RedisAddr       string `mapstructure:"PODLOCATOR_REDIS_ADDR"`
}

const (
	defaultPollInterval     = 300
	defaultSessionPath      = "account.json"
	defaultAnisetteLibs     = "ani_libs.bin"
	defaultDatabasePath     = "locations.db"
	defaultGatewayURL       = "http://127.0.0.1:6176"
	defaultGatewayRateLimit = 30
	defaultHTTPPort         = 8080
	defaultMetricsPort      = 9090
	defaultLogLevel         = "info"
	defaultMQTTTopicPrefix  = "podlocator"
)

// Load reads envFile if it exists, then the process environment, which
// takes precedence. An empty envFile skips the file.
func Load(envFile string) (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("AIRPOD_CASE", "")
	v.SetDefault("AIRPOD_LEFT", "")
	v.SetDefault("AIRPOD_RIGHT", "")
	v.SetDefault("PODLOCATOR_POLL_INTERVAL", defaultPollInterval)
	v.SetDefault("PODLOCATOR_SESSION_PATH", defaultSessionPath)
	v.SetDefault("PODLOCATOR_ANISETTE_LIBS", defaultAnisetteLibs)
	v.SetDefault("PODLOCATOR_DATABASE_PATH", defaultDatabasePath)
	v.SetDefault("PODLOCATOR_GATEWAY_URL", defaultGatewayURL)
	v.SetDefault("PODLOCATOR_GATEWAY_RATE_LIMIT", defaultGatewayRateLimit)
	v.SetDefault("PODLOCATOR_HTTP_PORT", defaultHTTPPort)
	v.SetDefault("PODLOCATOR_METRICS_PORT", defaultMetricsPort)
	v.SetDefault("PODLOCATOR_LOG_LEVEL", defaultLogLevel)
	v.SetDefault("PODLOCATOR_ACCOUNT_ID", "")
	v.SetDefault("PODLOCATOR_PASSWORD_FILE", "")
	v.SetDefault("PODLOCATOR_SESSION_PASSPHRASE", "")
	v.SetDefault("PODLOCATOR_MQTT_BROKER", "")
	v.SetDefault("PODLOCATOR_MQTT_TOPIC_PREFIX", defaultMQTTTopicPrefix)
	v.SetDefault("PODLOCATOR_MDNS_ENABLED", false)
	v.SetDefault("PODLOCATOR_REDIS_ADDR", "")

	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			v.SetConfigFile(envFile)
			v.SetConfigType("env")
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("read env file %s: %w", envFile, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("stat env file %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode configuration: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("invalid PODLOCATOR_POLL_INTERVAL %d: must be positive", c.PollIntervalSeconds)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid PODLOCATOR_HTTP_PORT %d", c.HTTPPort)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid PODLOCATOR_METRICS_PORT %d", c.MetricsPort)
	}
	if c.GatewayRateLimit < 0 {
		return fmt.Errorf("invalid PODLOCATOR_GATEWAY_RATE_LIMIT %d", c.GatewayRateLimit)
	}
	if len(c.AccessoryFiles()) == 0 {
		return errors.New("no accessories configured: set at least one of AIRPOD_CASE, AIRPOD_LEFT, AIRPOD_RIGHT")
	}
	return nil
}

// PollInterval is the wait between scheduled rounds.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// AccessoryFile pairs an accessory name with its credential file.
type AccessoryFile struct {
	Name string
	Path string
}

// AccessoryFiles lists the configured accessories in CASE, LEFT, RIGHT order.
func (c Config) AccessoryFiles() []AccessoryFile {
	var out []AccessoryFile
	for _, f := range []AccessoryFile{
		{Name: "CASE", Path: c.AccessoryCase},
		{Name: "LEFT", Path: c.AccessoryLeft},
		{Name: "RIGHT", Path: c.AccessoryRight},
	} {
		if strings.TrimSpace(f.Path) != "" {
			out = append(out, f)
		}
	}
	return out
}

// LoadAccessories reads every credential file. Files are JSON; comments and
// trailing commas are tolerated and stripped.
func LoadAccessories(files []AccessoryFile) ([]model.Accessory, error) {
	accessories := make([]model.Accessory, 0, len(files))
	for _, f := range files {
		raw, err := os.ReadFile(f.Path)
		if err != nil {
			return nil, fmt.Errorf("read %s accessory file: %w", f.Name, err)
		}
		cred := jsonc.ToJSON(raw)
		if !json.Valid(cred) {
			return nil, fmt.Errorf("%s accessory file %s is not valid JSON", f.Name, f.Path)
		}
		accessories = append(accessories, model.Accessory{Name: f.Name, Path: f.Path, Credential: cred})
	}
	return accessories, nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"oracle-sync/internal/logging"
)

// DefaultInstanceID names the instance that environment fallbacks apply to.
const DefaultInstanceID = "default"

// Config materialises application configuration.
type Config struct {
	App       AppConfig                 `mapstructure:"app"`
	Logging   logging.Config            `mapstructure:"logging"`
	Database  DatabaseConfig            `mapstructure:"database"`
	Scheduler SchedulerConfig           `mapstructure:"scheduler"`
	Sync      SyncConfig                `mapstructure:"sync"`
	Instances map[string]InstanceConfig `mapstructure:"instances"`
	Alerting  AlertingConfig            `mapstructure:"alerting"`
	Export    ExportConfig              `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs sync cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// SyncConfig tunes the scan engine across all instances.
type SyncConfig struct {
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	ClientTTL        time.Duration `mapstructure:"client_ttl"`
	MetricsRetention time.Duration `mapstructure:"metrics_retention"`
}

// InstanceConfig describes one oracle contract to index.
type InstanceConfig struct {
	RPCURL             string `mapstructure:"rpc_url"`
	ContractAddress    string `mapstructure:"contract_address"`
	Chain              string `mapstructure:"chain"`
	StartBlock         int64  `mapstructure:"start_block"`
	MaxBlockRange      int64  `mapstructure:"max_block_range"`
	VotingPeriodHours  int    `mapstructure:"voting_period_hours"`
	ConfirmationBlocks int64  `mapstructure:"confirmation_blocks"`
}

// VotingPeriod converts the configured hours into a duration.
func (c InstanceConfig) VotingPeriod() time.Duration {
	return time.Duration(c.VotingPeriodHours) * time.Hour
}

// AlertingConfig defines alert rules and routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Rules    []AlertRule    `mapstructure:"rules"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// AlertRule matches sync events to notification routing.
type AlertRule struct {
	ID            string     `mapstructure:"id"`
	Enabled       bool       `mapstructure:"enabled"`
	Event         string     `mapstructure:"event"`
	Severity      string     `mapstructure:"severity"`
	Channels      []string   `mapstructure:"channels"`
	Recipient     string     `mapstructure:"recipient"`
	SilencedUntil *time.Time `mapstructure:"silenced_until"`
}

// TelegramConfig describes the Telegram delivery channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORACLEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindDefaultInstanceEnv(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Instances == nil {
		cfg.Instances = make(map[string]InstanceConfig)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "oraclewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6f726163))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("sync.request_timeout", "10s")
	v.SetDefault("sync.client_ttl", "10m")
	v.SetDefault("sync.metrics_retention", "168h")

	v.SetDefault("instances.default.start_block", int64(0))
	v.SetDefault("instances.default.max_block_range", int64(1000))
	v.SetDefault("instances.default.voting_period_hours", 72)
	v.SetDefault("instances.default.confirmation_blocks", int64(12))

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

// bindDefaultInstanceEnv maps environment fallbacks onto the default instance
// only. Named instances must be configured in the file.
func bindDefaultInstanceEnv(v *viper.Viper) {
	_ = v.BindEnv("instances.default.rpc_url", "ORACLEWATCH_RPC_URL")
	_ = v.BindEnv("instances.default.contract_address", "ORACLEWATCH_CONTRACT_ADDRESS")
	_ = v.BindEnv("instances.default.chain", "ORACLEWATCH_CHAIN")
	_ = v.BindEnv("instances.default.start_block", "ORACLEWATCH_START_BLOCK")
	_ = v.BindEnv("instances.default.max_block_range", "ORACLEWATCH_MAX_BLOCK_RANGE")
	_ = v.BindEnv("instances.default.voting_period_hours", "ORACLEWATCH_VOTING_PERIOD_HOURS")
	_ = v.BindEnv("instances.default.confirmation_blocks", "ORACLEWATCH_CONFIRMATION_BLOCKS")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Sync.RequestTimeout <= 0 {
		return fmt.Errorf("sync.request_timeout must be greater than zero")
	}
	for id, instance := range c.Instances {
		if instance.MaxBlockRange < 0 {
			return fmt.Errorf("instances.%s.max_block_range cannot be negative", id)
		}
		if instance.StartBlock < -1 {
			return fmt.Errorf("instances.%s.start_block must be -1 (latest) or a block number", id)
		}
		if instance.ConfirmationBlocks < 0 {
			return fmt.Errorf("instances.%s.confirmation_blocks cannot be negative", id)
		}
	}
	for _, rule := range c.Alerting.Rules {
		if rule.ID == "" {
			return fmt.Errorf("alerting.rules entries require an id")
		}
		if rule.Event == "" {
			return fmt.Errorf("alerting rule %s requires an event", rule.ID)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

// Instance returns the configuration for id, reporting whether it exists.
func (c *Config) Instance(id string) (InstanceConfig, bool) {
	instance, ok := c.Instances[id]
	return instance, ok
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

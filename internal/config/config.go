package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"gold-monitor/internal/logging"
	"gold-monitor/internal/source"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Defaults  Settings        `mapstructure:"defaults"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig covers the admin HTTP surface.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"`
	StaticDir       string        `mapstructure:"static_dir"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig selects where the state record lives.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// Storage drivers.
const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs cycle cadence. The interval itself is a runtime setting.
type SchedulerConfig struct {
	MinInterval     time.Duration `mapstructure:"min_interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	CycleTimeout    time.Duration `mapstructure:"cycle_timeout"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// SourcesConfig selects and parameterises upstream adapters.
type SourcesConfig struct {
	Enabled   []string        `mapstructure:"enabled"`
	Timeout   time.Duration   `mapstructure:"timeout"`
	UserAgent string          `mapstructure:"user_agent"`
	CMB       CMBConfig       `mapstructure:"cmb"`
	CCB       CCBConfig       `mapstructure:"ccb"`
	Intl      IntlConfig      `mapstructure:"intl"`
	Chainlink ChainlinkConfig `mapstructure:"chainlink"`
}

// CMBConfig locates the bank market-center endpoint.
type CMBConfig struct {
	URL     string `mapstructure:"url"`
	Referer string `mapstructure:"referer"`
}

// CCBConfig locates the session and price endpoints.
type CCBConfig struct {
	SessionURL string `mapstructure:"session_url"`
	PriceURL   string `mapstructure:"price_url"`
	Referer    string `mapstructure:"referer"`
}

// IntlConfig locates the international quote center.
type IntlConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Code    string `mapstructure:"code"`
	Referer string `mapstructure:"referer"`
}

// ChainlinkConfig covers on-chain data access.
type ChainlinkConfig struct {
	RPCURL     string `mapstructure:"rpc_url"`
	Aggregator string `mapstructure:"aggregator"`
	Decimals   int32  `mapstructure:"decimals"`
}

// AlertingConfig defines push transport parameters.
type AlertingConfig struct {
	Group     string         `mapstructure:"group"`
	Timeout   time.Duration  `mapstructure:"timeout"`
	QueueSize int            `mapstructure:"queue_size"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MonitorConfig controls how calendar days are computed.
type MonitorConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GOLDMONITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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
	v.SetDefault("app.name", "goldmonitor")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("server.addr", ":8081")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.static_dir", "")
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("storage.driver", DriverFile)
	v.SetDefault("storage.path", "data/state.json")

	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scheduler.min_interval", "1s")
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.cycle_timeout", "30s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x676f6c64))

	v.SetDefault("sources.enabled", []string{string(source.CMB), string(source.CCB), string(source.IntlCNY)})
	v.SetDefault("sources.timeout", "10s")
	v.SetDefault("sources.user_agent", "")
	v.SetDefault("sources.cmb.url", "https://mbmodule-openapi.paas.cmbchina.com/product/v1/func/market-center")
	v.SetDefault("sources.cmb.referer", "https://mbmodule-openapi.paas.cmbchina.com:443/product/v1/func/market-center")
	v.SetDefault("sources.ccb.session_url", "https://gold2.ccb.com/tran/WCCMainPlatV5?CCB_IBSVersion=V5&SERVLET_NAME=WCCMainPlatV5&TXCODE=NDPD03&Chnl_ID=0009&Clmn_ID=17015&Tsk_Ind=Y&SYS_CODE=1000&MP_CODE=00&APP_NAME=COM.NETBANK&SEC_VERSION=1.0.0")
	v.SetDefault("sources.ccb.price_url", "https://gold2.ccb.com/tran/WCCMainPlatV5?CCB_IBSVersion=V5&SERVLET_NAME=WCCMainPlatV5&TXCODE=NGJS01")
	v.SetDefault("sources.ccb.referer", "https://gold2.ccb.com/chn/home/gold_new/gjssy/index.shtml")
	v.SetDefault("sources.intl.base_url", "https://api.jijinhao.com/quoteCenter/realTime.htm")
	v.SetDefault("sources.intl.code", "JO_92233")
	v.SetDefault("sources.intl.referer", "https://m.cngold.org/")
	v.SetDefault("sources.chainlink.rpc_url", "")
	v.SetDefault("sources.chainlink.aggregator", "0x214eD9Da11D2fbe465a6fc601a91E62EbEc1a0D6")
	v.SetDefault("sources.chainlink.decimals", 8)

	v.SetDefault("alerting.group", "GoldMonitor")
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.queue_size", 64)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("monitor.timezone", "")

	def := DefaultSettings()
	v.SetDefault("defaults.interval", def.IntervalMs)
	v.SetDefault("defaults.low_threshold", def.LowThreshold.String())
	v.SetDefault("defaults.high_threshold", def.HighThreshold.String())
	v.SetDefault("defaults.fluctuation_threshold", def.FluctuationThreshold.String())
	v.SetDefault("defaults.fluctuation_mode", string(def.FluctuationMode))
	v.SetDefault("defaults.fluctuation_window", def.FluctuationWindow)
	v.SetDefault("defaults.notify_channel", def.NotifyChannel)
	v.SetDefault("defaults.bark_urls", []string{})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			decimalHookFunc(),
		)
	}
}

// decimalHookFunc decodes strings and numbers into decimal.Decimal fields.
func decimalHookFunc() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(decimal.Decimal{})
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return decimal.Zero, nil
			}
			return decimal.NewFromString(strings.TrimSpace(v))
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		}
		return data, nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverFile, DriverSQLite:
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for driver %q", c.Storage.Driver)
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver postgres")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if c.Scheduler.MinInterval <= 0 {
		return fmt.Errorf("scheduler.min_interval must be greater than zero")
	}
	if c.Scheduler.CycleTimeout <= 0 {
		return fmt.Errorf("scheduler.cycle_timeout must be greater than zero")
	}
	if c.Sources.Timeout <= 0 {
		return fmt.Errorf("sources.timeout must be greater than zero")
	}
	if len(c.Sources.Enabled) == 0 {
		return fmt.Errorf("sources.enabled must list at least one source")
	}
	for _, raw := range c.Sources.Enabled {
		id, err := source.ParseID(raw)
		if err != nil {
			return fmt.Errorf("sources.enabled: %w", err)
		}
		if id == source.Chainlink && c.Sources.Chainlink.RPCURL == "" {
			return fmt.Errorf("sources.chainlink.rpc_url is required when chainlink is enabled")
		}
	}
	if c.Alerting.QueueSize <= 0 {
		return fmt.Errorf("alerting.queue_size must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if err := c.Defaults.Validate(nil); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	return nil
}

// Location resolves monitor.timezone; empty means the process local zone.
func (c *Config) Location() (*time.Location, error) {
	if strings.TrimSpace(c.Monitor.Timezone) == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Monitor.Timezone)
	if err != nil {
		return nil, fmt.Errorf("monitor.timezone: %w", err)
	}
	return loc, nil
}

// EnabledSources returns the parsed ids of sources.enabled in configured order.
func (c *Config) EnabledSources() []source.ID {
	ids := make([]source.ID, 0, len(c.Sources.Enabled))
	seen := make(map[source.ID]bool)
	for _, raw := range c.Sources.Enabled {
		id, err := source.ParseID(raw)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

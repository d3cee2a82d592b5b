// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration. Loaded once at startup
// and treated as immutable for the life of a transaction.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Retry    RetryConfig    `mapstructure:"retry" yaml:"retry"`
	Decoder  DecoderConfig  `mapstructure:"decoder" yaml:"decoder"`
	Screens  ScreensConfig  `mapstructure:"screens" yaml:"screens"`
	Dialogs  DialogsConfig  `mapstructure:"dialogs" yaml:"dialogs"`
	Workflow WorkflowConfig `mapstructure:"workflow" yaml:"workflow"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig holds settings for the headless browser session hosting the
// target terminal.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	// FrameSettle is the pause applied before taking a region fingerprint,
	// giving the widget framework time to finish a render pass.
	FrameSettle time.Duration `mapstructure:"frame_settle" yaml:"frame_settle"`
	// IntentRate caps how many interaction intents per second may be issued
	// against one session. The legacy terminal drops inputs under load.
	IntentRate float64 `mapstructure:"intent_rate" yaml:"intent_rate"`
}

// RetryConfig parameterizes the resilience wrapper for each operation class.
type RetryConfig struct {
	// Interaction covers intent execution through the strategy chain.
	Interaction RetryPolicyConfig `mapstructure:"interaction" yaml:"interaction"`
	// Readiness covers the frame readiness wait before fingerprinting.
	Readiness RetryPolicyConfig `mapstructure:"readiness" yaml:"readiness"`
	// Transaction bounds one whole receiving run.
	TransactionTimeout time.Duration `mapstructure:"transaction_timeout" yaml:"transaction_timeout"`
}

// RetryPolicyConfig is the serializable form of a resilience policy.
type RetryPolicyConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// DecoderConfig tunes the cross-frame message decoder.
type DecoderConfig struct {
	// IdleTimeout evicts a fragment buffer that never saw its terminal part.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	// SweepInterval is how often the eviction sweep runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// ScreensConfig carries the target selectors and labels per screen. The
// terminal's DOM is undocumented, so every hook lives in configuration.
type ScreensConfig struct {
	HeaderRegion     string   `mapstructure:"header_region" yaml:"header_region"`
	BodyRegion       string   `mapstructure:"body_region" yaml:"body_region"`
	WarehousePicker  string   `mapstructure:"warehouse_picker" yaml:"warehouse_picker"`
	ShipmentInput    string   `mapstructure:"shipment_input" yaml:"shipment_input"`
	ItemInput        string   `mapstructure:"item_input" yaml:"item_input"`
	QuantityInput    string   `mapstructure:"quantity_input" yaml:"quantity_input"`
	DialogRegion     string   `mapstructure:"dialog_region" yaml:"dialog_region"`
	MenuPath         []string `mapstructure:"menu_path" yaml:"menu_path"`
	AcknowledgeKey   string   `mapstructure:"acknowledge_key" yaml:"acknowledge_key"`
	HomeShortcutKey  string   `mapstructure:"home_shortcut_key" yaml:"home_shortcut_key"`
}

// DialogsConfig is the data-driven dialog-text classifier: known patterns for
// warnings (acknowledge and retry) and rejections (line fails, no retry).
// Anything else is unrecognized.
type DialogsConfig struct {
	WarningPatterns   []string `mapstructure:"warning_patterns" yaml:"warning_patterns"`
	RejectionPatterns []string `mapstructure:"rejection_patterns" yaml:"rejection_patterns"`
}

// WorkflowConfig identifies the receiving workflow to run.
type WorkflowConfig struct {
	Warehouse string `mapstructure:"warehouse" yaml:"warehouse"`
	// TerminalURL is where the RF terminal is served.
	TerminalURL string `mapstructure:"terminal_url" yaml:"terminal_url"`
}

// DatabaseConfig holds the optional reporting-sink connection. Empty URL
// means results are logged only.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "rfdriver")
	v.SetDefault("logger.log_file", "rfdriver.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.navigation_timeout", "90s")
	v.SetDefault("browser.frame_settle", "350ms")
	v.SetDefault("browser.intent_rate", 4.0)

	// -- Retry --
	v.SetDefault("retry.interaction.max_attempts", 3)
	v.SetDefault("retry.interaction.base_delay", "250ms")
	v.SetDefault("retry.interaction.multiplier", 2.0)
	v.SetDefault("retry.interaction.max_delay", "5s")
	v.SetDefault("retry.readiness.max_attempts", 10)
	v.SetDefault("retry.readiness.base_delay", "200ms")
	v.SetDefault("retry.readiness.multiplier", 1.5)
	v.SetDefault("retry.readiness.max_delay", "2s")
	v.SetDefault("retry.transaction_timeout", "10m")

	// -- Decoder --
	v.SetDefault("decoder.idle_timeout", "30s")
	v.SetDefault("decoder.sweep_interval", "5s")

	// -- Screens --
	v.SetDefault("screens.header_region", "div.facility-header")
	v.SetDefault("screens.body_region", "body")
	v.SetDefault("screens.warehouse_picker", "ul.x-list-plain")
	v.SetDefault("screens.shipment_input", "input#shipinpId")
	v.SetDefault("screens.item_input", "input#iteminpId")
	v.SetDefault("screens.quantity_input", "input#qtyinpId")
	v.SetDefault("screens.dialog_region", "div.x-message-box")
	v.SetDefault("screens.menu_path", []string{"Inbound", "Receive ASN"})
	v.SetDefault("screens.acknowledge_key", "Control+a")
	v.SetDefault("screens.home_shortcut_key", "Control+b")

	// -- Dialogs --
	v.SetDefault("dialogs.warning_patterns", []string{
		"warning", "qty adjust", "info:",
	})
	v.SetDefault("dialogs.rejection_patterns", []string{
		"invalid item", "item not expected", "asn closed",
	})
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	v.BindEnv("database.url", "RFDRIVER_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// NewDefaultConfig returns a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults only.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Retry.Interaction.Validate("retry.interaction"); err != nil {
		return err
	}
	if err := c.Retry.Readiness.Validate("retry.readiness"); err != nil {
		return err
	}
	if c.Retry.TransactionTimeout <= 0 {
		return fmt.Errorf("retry.transaction_timeout must be a positive duration")
	}
	if c.Decoder.IdleTimeout <= 0 {
		return fmt.Errorf("decoder.idle_timeout must be a positive duration")
	}
	if c.Decoder.SweepInterval <= 0 {
		return fmt.Errorf("decoder.sweep_interval must be a positive duration")
	}
	if c.Browser.IntentRate <= 0 {
		return fmt.Errorf("browser.intent_rate must be positive")
	}
	if len(c.Screens.MenuPath) == 0 {
		return fmt.Errorf("screens.menu_path must name at least one menu level")
	}
	return nil
}

// Validate checks a single retry policy block.
func (p *RetryPolicyConfig) Validate(name string) error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("%s.max_attempts must be a positive integer", name)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("%s.base_delay must be a positive duration", name)
	}
	if p.Multiplier < 1.0 {
		return fmt.Errorf("%s.multiplier must be at least 1.0", name)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("%s.max_delay must be at least base_delay", name)
	}
	return nil
}

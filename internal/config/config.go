package config

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	defaultListen           = "127.0.0.1:8080"
	defaultConnectTimeout   = 30 * time.Second
	defaultCallToolTimeout  = 2 * time.Minute
	defaultCallHistoryLimit = 1000
)

// Duration wraps time.Duration so timeouts can be written as strings
// ("30s", "2m") in JSON config files.
type Duration time.Duration

// Duration returns the wrapped time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler, accepting either a duration
// string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration value: %v", v)
	}
}

// Config represents the main configuration structure
type Config struct {
	Listen      string `json:"listen" mapstructure:"listen"`
	UpstreamURL string `json:"upstream_url" mapstructure:"upstream"`
	// Protocol selects the upstream transport: auto, streamable-http or sse.
	Protocol string `json:"protocol,omitempty" mapstructure:"protocol"`
	DataDir  string `json:"data_dir,omitempty" mapstructure:"data-dir"`

	ConnectTimeout  Duration `json:"connect_timeout,omitempty" mapstructure:"connect-timeout"`
	CallToolTimeout Duration `json:"call_tool_timeout,omitempty" mapstructure:"call-tool-timeout"`

	// CallHistoryLimit bounds the number of tool-call records kept in the
	// on-disk history (0 disables recording even when DataDir is set).
	CallHistoryLimit int `json:"call_history_limit" mapstructure:"call-history-limit"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"`       // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"` // number of backup files
	MaxAge        int    `json:"max_age" mapstructure:"max-age"`         // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:         "info",
		EnableFile:    false,
		EnableConsole: true,
		Filename:      "main.log",
		MaxSize:       10, // 10MB
		MaxBackups:    5,
		MaxAge:        30, // days
		Compress:      true,
		JSONFormat:    false,
	}
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Listen:           defaultListen,
		Protocol:         "auto",
		ConnectTimeout:   Duration(defaultConnectTimeout),
		CallToolTimeout:  Duration(defaultCallToolTimeout),
		CallHistoryLimit: defaultCallHistoryLimit,
		Logging:          DefaultLogConfig(),
	}
}

// Validate applies defaults to zero values and rejects unusable settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Protocol == "" {
		c.Protocol = "auto"
	}
	switch c.Protocol {
	case "auto", "streamable-http", "sse":
	default:
		return fmt.Errorf("unsupported upstream protocol: %q", c.Protocol)
	}
	if c.UpstreamURL == "" {
		return fmt.Errorf("upstream URL is required")
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = Duration(defaultConnectTimeout)
	}
	if c.CallToolTimeout <= 0 {
		c.CallToolTimeout = Duration(defaultCallToolTimeout)
	}
	if c.CallHistoryLimit < 0 {
		c.CallHistoryLimit = 0
	}
	if c.Logging == nil {
		c.Logging = DefaultLogConfig()
	}
	return nil
}

// Package config loads the daemon configuration and persists the small set of
// user choices (router kind, disclaimer) that must survive restarts.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the navcored configuration.
type Config struct {
	// Main
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`

	// Location acquisition
	NMEADevices       []string `mapstructure:"nmea_devices"`
	NMEABaudRate      int      `mapstructure:"nmea_baud_rate"`
	FusedEndpoint     string   `mapstructure:"fused_endpoint"`
	FusedAPIKey       string   `mapstructure:"fused_api_key"`
	PreferFused       bool     `mapstructure:"prefer_fused"`
	PendingTimeoutS   int      `mapstructure:"pending_timeout_s"`
	PredictorEnabled  bool     `mapstructure:"predictor_enabled"`
	PredictorWindowS  int      `mapstructure:"predictor_window_s"`
	PredictorMaxGapS  int      `mapstructure:"predictor_max_gap_s"`
	ErrorDialogQuiets bool     `mapstructure:"suppress_error_dialogs"`

	// Routing engine
	EngineURL      string `mapstructure:"engine_url"`
	EngineTimeoutS int    `mapstructure:"engine_timeout_s"`

	// Telemetry
	RetentionHours int    `mapstructure:"retention_hours"`
	MaxRAMMB       int    `mapstructure:"max_ram_mb"`
	TrackDBPath    string `mapstructure:"track_db_path"`

	// Control API
	APIEnabled bool   `mapstructure:"api_enabled"`
	APIHost    string `mapstructure:"api_host"`
	APIPort    int    `mapstructure:"api_port"`

	// MQTT publishing
	MQTT MQTTConfig `mapstructure:"mqtt"`

	// Metrics
	MetricsListener bool `mapstructure:"metrics_listener"`
	MetricsPort     int  `mapstructure:"metrics_port"`
}

// MQTTConfig holds the optional MQTT publisher settings.
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	Port        int    `mapstructure:"port"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         int    `mapstructure:"qos"`
	Retain      bool   `mapstructure:"retain"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("nmea_devices", []string{"/dev/ttyUSB1", "/dev/ttyUSB2", "/dev/ttyACM0"})
	v.SetDefault("nmea_baud_rate", 9600)
	v.SetDefault("fused_endpoint", "")
	v.SetDefault("prefer_fused", true)
	v.SetDefault("pending_timeout_s", 30)
	v.SetDefault("predictor_enabled", false)
	v.SetDefault("predictor_window_s", 60)
	v.SetDefault("predictor_max_gap_s", 10)
	v.SetDefault("suppress_error_dialogs", false)
	v.SetDefault("engine_url", "http://127.0.0.1:5000")
	v.SetDefault("engine_timeout_s", 30)
	v.SetDefault("retention_hours", 24)
	v.SetDefault("max_ram_mb", 16)
	v.SetDefault("track_db_path", "/var/lib/navcore/track.db")
	v.SetDefault("api_enabled", true)
	v.SetDefault("api_host", "127.0.0.1")
	v.SetDefault("api_port", 8081)
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "navcored")
	v.SetDefault("mqtt.topic_prefix", "navcore")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("metrics_listener", false)
	v.SetDefault("metrics_port", 9101)
}

// LoadConfig reads the configuration file at path, falling back to defaults
// for anything not set. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NAVCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Package config loads daemon configuration from YAML or TOML files with
// environment variable overrides.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/bike-sensor/internal/export"
	"github.com/sweeney/bike-sensor/internal/ride"
	"github.com/sweeney/bike-sensor/internal/transport"
)

// Config is the complete daemon configuration.
type Config struct {
	Device DeviceConfig `yaml:"device" toml:"device"`
	Wheel  WheelConfig  `yaml:"wheel" toml:"wheel"`
	MQTT   MQTTConfig   `yaml:"mqtt" toml:"mqtt"`
	HTTP   HTTPConfig   `yaml:"http" toml:"http"`
	Export ExportConfig `yaml:"export" toml:"export"`
	Log    LogConfig    `yaml:"log" toml:"log"`
}

// DeviceConfig identifies the paired sensor.
type DeviceConfig struct {
	Name     string   `yaml:"name" toml:"name"`
	Port     string   `yaml:"port" toml:"port"`
	Baud     int      `yaml:"baud" toml:"baud"`
	Profiles []string `yaml:"profiles" toml:"profiles"`
}

// WheelConfig holds tire geometry.
type WheelConfig struct {
	RadiusIn float64 `yaml:"radius_in" toml:"radius_in"`
}

// MQTTConfig configures the event sink. An empty Broker disables it.
type MQTTConfig struct {
	Broker   string `yaml:"broker" toml:"broker"`
	ClientID string `yaml:"client_id" toml:"client_id"`
}

// HTTPConfig configures the status server. An empty Addr disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// ExportConfig selects where raw logs are saved.
type ExportConfig struct {
	Backend       string        `yaml:"backend" toml:"backend"` // "file" or "redis"
	Dir           string        `yaml:"dir" toml:"dir"`
	RedisAddr     string        `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int           `yaml:"redis_db" toml:"redis_db"`
	RedisPrefix   string        `yaml:"redis_prefix" toml:"redis_prefix"`
	RedisTTL      time.Duration `yaml:"redis_ttl" toml:"redis_ttl"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // "text" or "json"
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Name:     "BikeSensor",
			Port:     "/dev/rfcomm0",
			Baud:     transport.DefaultBaud,
			Profiles: []string{transport.SerialPortProfile},
		},
		Wheel: WheelConfig{RadiusIn: ride.DefaultRadiusIn},
		MQTT: MQTTConfig{
			Broker:   "",
			ClientID: "bike-sensor",
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Export: ExportConfig{
			Backend:     "file",
			Dir:         export.DefaultDir,
			RedisAddr:   "localhost:6379",
			RedisPrefix: export.DefaultKeyPrefix,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path uses defaults plus overrides. The format follows the file
// extension: .toml for TOML, anything else is YAML.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
		log.Debugf("config: loaded %s", path)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

// Environment variable names.
const (
	EnvDeviceName    = "BIKE_DEVICE_NAME"
	EnvDevicePort    = "BIKE_DEVICE_PORT"
	EnvDeviceBaud    = "BIKE_DEVICE_BAUD"
	EnvMQTTBroker    = "BIKE_MQTT_BROKER"
	EnvHTTPAddr      = "BIKE_HTTP_ADDR"
	EnvExportBackend = "BIKE_EXPORT_BACKEND"
	EnvExportDir     = "BIKE_EXPORT_DIR"
	EnvRedisAddr     = "BIKE_REDIS_ADDR"
	EnvWheelRadiusIn = "BIKE_WHEEL_RADIUS_IN"
	EnvLogLevel      = "BIKE_LOG_LEVEL"
)

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvDeviceName); v != "" {
		c.Device.Name = v
	}
	if v := os.Getenv(EnvDevicePort); v != "" {
		c.Device.Port = v
	}
	if v := os.Getenv(EnvDeviceBaud); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "%s", EnvDeviceBaud)
		}
		c.Device.Baud = n
	}
	if v, ok := os.LookupEnv(EnvMQTTBroker); ok {
		c.MQTT.Broker = v
	}
	if v, ok := os.LookupEnv(EnvHTTPAddr); ok {
		c.HTTP.Addr = v
	}
	if v := os.Getenv(EnvExportBackend); v != "" {
		c.Export.Backend = v
	}
	if v := os.Getenv(EnvExportDir); v != "" {
		c.Export.Dir = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Export.RedisAddr = v
	}
	if v := os.Getenv(EnvWheelRadiusIn); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.Wrapf(err, "%s", EnvWheelRadiusIn)
		}
		c.Wheel.RadiusIn = f
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Wheel.RadiusIn <= 0 {
		return errors.Errorf("wheel radius must be positive, got %v", c.Wheel.RadiusIn)
	}
	if c.Device.Baud < 0 {
		return errors.Errorf("device baud must not be negative, got %d", c.Device.Baud)
	}
	switch c.Export.Backend {
	case "file", "redis":
	default:
		return errors.Errorf("unknown export backend %q", c.Export.Backend)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log level")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return errors.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// DeviceHandle returns the transport handle for the configured device.
func (c *Config) DeviceHandle() transport.Device {
	return transport.Device{
		Name:     c.Device.Name,
		Port:     c.Device.Port,
		Baud:     c.Device.Baud,
		Profiles: append([]string(nil), c.Device.Profiles...),
	}
}

// WheelGeometry returns the configured tire geometry.
func (c *Config) WheelGeometry() ride.Wheel {
	return ride.Wheel{RadiusIn: c.Wheel.RadiusIn}
}

// Exporter builds the configured export backend.
func (c *Config) Exporter() export.Exporter {
	if c.Export.Backend == "redis" {
		return export.NewRedisExporter(export.RedisConfig{
			Addr:      c.Export.RedisAddr,
			Password:  c.Export.RedisPassword,
			DB:        c.Export.RedisDB,
			KeyPrefix: c.Export.RedisPrefix,
			TTL:       c.Export.RedisTTL,
		})
	}
	return export.NewFileExporter(c.Export.Dir)
}

// ConfigureLogging applies the log settings to the standard logrus logger.
func (c *Config) ConfigureLogging() {
	if lvl, err := log.ParseLevel(c.Log.Level); err == nil {
		log.SetLevel(lvl)
	}
	if c.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// Package config загружает конфигурацию наземной станции из config.yaml,
// переменных окружения GROUNDSTATION_* и флагов командной строки.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"rocket-groundstation/hub"
	"rocket-groundstation/logging"
	"rocket-groundstation/mqtt"
	"rocket-groundstation/telemetry"
)

const envPrefix = "GROUNDSTATION"

type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	StaticDir   string `mapstructure:"static_dir"`
	MetricsPath string `mapstructure:"metrics_path"`
}

type SerialConfig struct {
	Driver       string        `mapstructure:"driver"` // native, file
	DefaultBaud  int           `mapstructure:"default_baud"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxLine      int           `mapstructure:"max_line"`
}

type ProtocolConfig struct {
	Revision string `mapstructure:"revision"` // 11 или 26
}

type CSVConfig struct {
	Dir           string        `mapstructure:"dir"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	MinDelay      time.Duration `mapstructure:"min_delay"`
}

type HistoryConfig struct {
	Size int `mapstructure:"size"`
}

// Config - полная конфигурация приложения
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  logging.Config `mapstructure:"logging"`
	Serial   SerialConfig   `mapstructure:"serial"`
	Protocol ProtocolConfig `mapstructure:"protocol"`
	CSV      CSVConfig      `mapstructure:"csv"`
	History  HistoryConfig  `mapstructure:"history"`
	Hub      hub.Config     `mapstructure:"hub"`
	MQTT     mqtt.Config    `mapstructure:"mqtt"`
}

// Flags - флаги, которые не относятся к конфигурации
type Flags struct {
	ListPorts bool
	File      string // Прочитанный файл конфигурации, пусто если не найден
}

// flagKeys связывает флаги с ключами конфигурации
var flagKeys = map[string]string{
	"addr":          "server.addr",
	"static-dir":    "server.static_dir",
	"log-level":     "logging.level",
	"log-format":    "logging.format",
	"serial-driver": "serial.driver",
	"baud":          "serial.default_baud",
	"revision":      "protocol.revision",
	"csv-dir":       "csv.dir",
	"mqtt":          "mqtt.enabled",
	"mqtt-broker":   "mqtt.broker",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.static_dir", "public")
	v.SetDefault("server.metrics_path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("serial.driver", "native")
	v.SetDefault("serial.default_baud", 9600)
	v.SetDefault("serial.write_timeout", 2*time.Second)
	v.SetDefault("serial.max_line", 4096)

	v.SetDefault("protocol.revision", "26")

	v.SetDefault("csv.dir", "logs")
	v.SetDefault("csv.batch_size", 200)
	v.SetDefault("csv.flush_interval", 5*time.Second)
	v.SetDefault("csv.min_delay", time.Second)

	v.SetDefault("history.size", 100)

	hubDef := hub.DefaultConfig()
	v.SetDefault("hub.send_buffer", hubDef.SendBuffer)
	v.SetDefault("hub.ping_interval", hubDef.PingInterval)
	v.SetDefault("hub.allowed_origins", []string{})

	mqttDef := mqtt.DefaultConfig()
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", mqttDef.Broker)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.data_topic", mqttDef.DataTopic)
	v.SetDefault("mqtt.command_topic", mqttDef.CommandTopic)
	v.SetDefault("mqtt.qos", mqttDef.QoS)
	v.SetDefault("mqtt.keep_alive", mqttDef.KeepAlive)
	v.SetDefault("mqtt.connect_timeout", mqttDef.ConnectTimeout)
	v.SetDefault("mqtt.queue_size", mqttDef.QueueSize)
}

// NewFlagSet описывает флаги командной строки
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "Path to config file (default: ./config.yaml or /etc/groundstation/config.yaml)")
	fs.Bool("list-ports", false, "Print detected serial ports and exit")
	fs.String("addr", ":3000", "HTTP listen address")
	fs.String("static-dir", "public", "Directory with the web viewer")
	fs.String("log-level", "info", "Log level: debug, info, warn, error")
	fs.String("log-format", "text", "Log format: text, json")
	fs.String("serial-driver", "native", "Serial driver: native, file")
	fs.Int("baud", 9600, "Default baud rate")
	fs.String("revision", "26", "Telemetry protocol revision: 11 or 26")
	fs.String("csv-dir", "logs", "Directory for session CSV files")
	fs.Bool("mqtt", false, "Mirror telemetry to MQTT")
	fs.String("mqtt-broker", "tcp://localhost:1883", "MQTT broker address")
	return fs
}

// Load разбирает args и собирает конфигурацию.
// Приоритет: флаги, окружение, файл, значения по умолчанию.
func Load(args []string) (Config, Flags, error) {
	fs := NewFlagSet("groundstation")
	if err := fs.Parse(args); err != nil {
		return Config{}, Flags{}, err
	}

	v := viper.New()
	setDefaults(v)
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return Config{}, Flags{}, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	file, _ := fs.GetString("config")
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/groundstation")
	}

	var flags Flags
	flags.ListPorts, _ = fs.GetBool("list-ports")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, flags, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		flags.File = v.ConfigFileUsed()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, flags, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, flags, err
	}
	return cfg, flags, nil
}

// Revision возвращает ревизию протокола; вызывать после Validate
func (c Config) Revision() telemetry.Revision {
	rev, _ := telemetry.ParseRevision(c.Protocol.Revision)
	return rev
}

// Validate проверяет значения конфигурации
func (c Config) Validate() error {
	var errs []error

	if _, err := telemetry.ParseRevision(c.Protocol.Revision); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Serial.Driver {
	case "native", "file":
	default:
		errs = append(errs, fmt.Errorf("serial.driver %q (allowed: native, file)", c.Serial.Driver))
	}
	if c.Serial.DefaultBaud <= 0 {
		errs = append(errs, fmt.Errorf("serial.default_baud must be positive, got %d", c.Serial.DefaultBaud))
	}
	if c.CSV.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("csv.batch_size must be positive, got %d", c.CSV.BatchSize))
	}
	if c.CSV.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("csv.flush_interval must be positive, got %s", c.CSV.FlushInterval))
	}
	if c.CSV.MinDelay <= 0 {
		errs = append(errs, fmt.Errorf("csv.min_delay must be positive, got %s", c.CSV.MinDelay))
	}
	if c.CSV.Dir == "" {
		errs = append(errs, errors.New("csv.dir is required"))
	}
	if c.History.Size <= 0 {
		errs = append(errs, fmt.Errorf("history.size must be positive, got %d", c.History.Size))
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
		}
		if c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

package utils

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"

	"github.com/benmeehan/udp-tracker/internal/constants"
	"github.com/benmeehan/udp-tracker/pkg/file"
)

// Transport names accepted by socket.transport.
const (
	TransportSocketIO = "socketio"
	TransportMQTT     = "mqtt"
	TransportNMEA     = "nmea"
)

// EnvPrefix marks the environment variables that override the file.
const EnvPrefix = "TRACKER_"

// envSections maps environment section prefixes to config sections, longest first.
var envSections = []struct{ prefix, section string }{
	{"status_server_", "status_server"},
	{"logging_", "logging"},
	{"socket_", "socket"},
	{"mqtt_", "mqtt"},
	{"log_", "logging"},
	{"api_", "api"},
	{"gps_", "gps"},
	{"ui_", "ui"},
}

// sliceConfigPaths are parsed from comma-separated strings when set from the environment.
var sliceConfigPaths = []string{
	"status_server.allowed_origins",
}

// Config represents the structure of the configuration file.
type Config struct {
	API struct {
		BaseURL          string        `yaml:"base_url" validate:"required,url"` // Backend REST base URL
		Timeout          time.Duration `yaml:"timeout" validate:"gt=0"`          // Per-request timeout
		MinServerVersion string        `yaml:"min_server_version"`               // Oldest backend accepted by the health check
	} `yaml:"api"`

	Socket struct {
		Transport            string        `yaml:"transport" validate:"oneof=socketio mqtt nmea"` // Push channel implementation
		URL                  string        `yaml:"url"`                                           // Socket.IO server URL
		Namespace            string        `yaml:"namespace"`                                     // Socket.IO namespace
		ReconnectionAttempts int           `yaml:"reconnection_attempts" validate:"gte=1"`        // Consecutive failures before giving up
		ReconnectionDelay    time.Duration `yaml:"reconnection_delay" validate:"gt=0"`            // Backoff base
		ReconnectionDelayMax time.Duration `yaml:"reconnection_delay_max" validate:"gt=0"`        // Backoff ceiling
		Timeout              time.Duration `yaml:"timeout" validate:"gt=0"`                       // Handshake timeout
		HeartbeatInterval    time.Duration `yaml:"heartbeat_interval" validate:"gt=0"`            // Ping period while connected
	} `yaml:"socket"`

	MQTT struct {
		Broker        string `yaml:"broker"`         // MQTT broker address
		ClientID      string `yaml:"client_id"`      // MQTT client ID prefix
		TopicPrefix   string `yaml:"topic_prefix"`   // Root of the events/requests topics
		QOS           int    `yaml:"qos" validate:"gte=0,lte=2"`
		CACertificate string `yaml:"ca_certificate"` // Path to the CA certificate
	} `yaml:"mqtt"`

	GPS struct {
		Port     string `yaml:"port"` // Serial device of the GPS receiver
		BaudRate int    `yaml:"baud_rate" validate:"gt=0"`
	} `yaml:"gps"`

	UI struct {
		MaxLocationsDisplay int           `yaml:"max_locations_display" validate:"gte=1"` // History bound
		RefreshInterval     time.Duration `yaml:"refresh_interval" validate:"gt=0"`       // Polling period while the push channel is down
		LatestPollInterval  time.Duration `yaml:"latest_poll_interval" validate:"gte=0"`  // Latest-location polling while the push channel is down, 0 disables
	} `yaml:"ui"`

	StatusServer struct {
		Enabled        bool     `yaml:"enabled"`
		Address        string   `yaml:"address" validate:"required_if=Enabled true"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"status_server"`

	Logging struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"logging"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.API.BaseURL = constants.DefaultAPIBaseURL
	cfg.API.Timeout = constants.DefaultAPITimeout

	cfg.Socket.Transport = TransportSocketIO
	cfg.Socket.URL = constants.DefaultSocketURL
	cfg.Socket.Namespace = "/"
	cfg.Socket.ReconnectionAttempts = constants.DefaultReconnectionAttempts
	cfg.Socket.ReconnectionDelay = constants.DefaultReconnectionDelay
	cfg.Socket.ReconnectionDelayMax = constants.DefaultReconnectionDelayMax
	cfg.Socket.Timeout = constants.DefaultConnectionTimeout
	cfg.Socket.HeartbeatInterval = constants.DefaultHeartbeatInterval

	cfg.MQTT.ClientID = "udp-tracker"
	cfg.MQTT.TopicPrefix = constants.DefaultMQTTTopicPrefix
	cfg.MQTT.QOS = 1

	cfg.GPS.BaudRate = constants.DefaultGPSBaudRate

	cfg.UI.MaxLocationsDisplay = constants.DefaultMaxLocationsDisplay
	cfg.UI.RefreshInterval = constants.DefaultRefreshInterval
	cfg.UI.LatestPollInterval = constants.DefaultLatestPollInterval

	cfg.StatusServer.Address = constants.DefaultStatusServerAddress
	cfg.StatusServer.AllowedOrigins = []string{"*"}

	cfg.Logging.Level = "info"
	return cfg
}

// LoadConfig layers the defaults, the YAML file (when filename is set) and
// the TRACKER_* environment, then validates the result.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "yaml"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if filename != "" {
		exists, err := fileClient.IsFileExists(filename)
		if err != nil {
			return nil, fmt.Errorf("checking config file: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("config file %s does not exist", filename)
		}
		if err := k.Load(&fileProvider{path: filename, fileClient: fileClient}, yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", filename, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag: "yaml",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				durationHookFunc(),
				mapstructure.TextUnmarshallerHookFunc(),
			),
			Result:           cfg,
			WeaklyTypedInput: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fileProvider feeds koanf the raw bytes of a config file read through FileOperations.
type fileProvider struct {
	path       string
	fileClient file.FileOperations
}

func (p *fileProvider) ReadBytes() ([]byte, error) {
	return p.fileClient.ReadFileRaw(p.path)
}

func (p *fileProvider) Read() (map[string]interface{}, error) {
	return nil, errors.New("file provider does not support this method")
}

// envTransformFunc maps TRACKER_SOCKET_RECONNECTION_DELAY to socket.reconnection_delay.
// Variables outside a known section are ignored.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	for _, s := range envSections {
		if rest, ok := strings.CutPrefix(key, s.prefix); ok && rest != "" {
			return s.section + "." + rest
		}
	}
	return ""
}

// processSliceFields converts comma-separated string values to slices for known slice fields.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		trimmed := []string{}
		for _, p := range strings.Split(strVal, ",") {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// durationHookFunc decodes Go duration strings ("1.5s") and bare integers,
// which are read as milliseconds.
func durationHookFunc() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != durationType || f == durationType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			s := strings.TrimSpace(v)
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
				return time.Duration(ms) * time.Millisecond, nil
			}
			return time.ParseDuration(s)
		case int:
			return time.Duration(v) * time.Millisecond, nil
		case int64:
			return time.Duration(v) * time.Millisecond, nil
		case uint64:
			return time.Duration(v) * time.Millisecond, nil
		case float64:
			return time.Duration(v * float64(time.Millisecond)), nil
		}
		return data, nil
	}
}

// Validate checks field ranges and cross-field requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if c.Socket.ReconnectionDelayMax < c.Socket.ReconnectionDelay {
		errs = append(errs, errors.New("socket.reconnection_delay_max must not be below socket.reconnection_delay"))
	}
	switch c.Socket.Transport {
	case TransportSocketIO:
		if u, err := url.Parse(c.Socket.URL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("socket.url %q is not a valid URL", c.Socket.URL))
		}
	case TransportMQTT:
		if c.MQTT.Broker == "" {
			errs = append(errs, errors.New("mqtt.broker is required for the mqtt transport"))
		}
	case TransportNMEA:
		if c.GPS.Port == "" {
			errs = append(errs, errors.New("gps.port is required for the nmea transport"))
		}
	}
	if c.API.MinServerVersion != "" {
		if _, err := semver.NewVersion(c.API.MinServerVersion); err != nil {
			errs = append(errs, fmt.Errorf("api.min_server_version: %w", err))
		}
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

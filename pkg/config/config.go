// Package config loads the collector's settings from defaults, an optional
// YAML file and SINKFLOW_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/shortontech/sinkflow/internal/broker"
)

// EnvPrefix is stripped from environment variable names. Levels are split on
// "__", so SINKFLOW_KAFKA__TOPIC sets kafka.topic.
const EnvPrefix = "SINKFLOW_"

// delim separates key levels. Broker params carry dots in their names
// (linger.ms), so dots cannot be the delimiter.
const delim = "/"

// Outputs the collector knows how to build.
const (
	OutputText     = "text"
	OutputStdout   = "stdout"
	OutputKafka    = "kafka"
	OutputPostgres = "postgres"
)

var knownOutputs = []string{OutputText, OutputStdout, OutputKafka, OutputPostgres}

type Config struct {
	ServerAddr   string        `koanf:"server_addr"`
	MaxBodyBytes int64         `koanf:"max_body_bytes"` // bytes for /collect payload
	WaitTimeout  time.Duration `koanf:"wait_timeout"`   // upper bound for /collect?wait=1
	HMACSecret   string        `koanf:"hmac_secret"`    // signing disabled when empty
	Outputs      []string      `koanf:"outputs"`        // enabled sinks: text, stdout, kafka, postgres
	TestMode     bool          `koanf:"test_mode"`

	Log      LogConfig      `koanf:"log"`
	Text     TextConfig     `koanf:"text"`
	Kafka    KafkaConfig    `koanf:"kafka"`
	Postgres PostgresConfig `koanf:"postgres"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

type LogConfig struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

type TextConfig struct {
	Path       string `koanf:"path"`
	Terminator string `koanf:"terminator"`
	Mode       string `koanf:"mode"`
}

type KafkaConfig struct {
	Driver        string            `koanf:"driver"`
	Topic         string            `koanf:"topic"`
	Brokers       []string          `koanf:"brokers"`
	ClientID      string            `koanf:"client_id"`
	Acks          string            `koanf:"acks"`
	Compression   string            `koanf:"compression"`
	SASLMechanism string            `koanf:"sasl_mechanism"`
	SASLUser      string            `koanf:"sasl_user"`
	SASLPassword  string            `koanf:"sasl_password"`
	TLSCA         string            `koanf:"tls_ca"`
	TLSSkipVerify bool              `koanf:"tls_skip_verify"`
	Params        map[string]string `koanf:"params"` // raw producer params, applied last
	PollInterval  time.Duration     `koanf:"poll_interval"`
	CloseTimeout  time.Duration     `koanf:"close_timeout"`
}

type PostgresConfig struct {
	DSN           string        `koanf:"dsn"`
	Table         string        `koanf:"table"`
	BatchSize     int           `koanf:"batch_size"`
	FlushInterval time.Duration `koanf:"flush_interval"`
	UseCopy       bool          `koanf:"use_copy"`
}

type MetricsConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Addr       string `koanf:"addr"`
	TLSCert    string `koanf:"tls_cert"`
	TLSKey     string `koanf:"tls_key"`
	ClientCA   string `koanf:"client_ca"`
	RequireTLS bool   `koanf:"require_tls"`
}

func defaults() map[string]any {
	return map[string]any{
		"server_addr":             ":19890",
		"max_body_bytes":          int64(1 << 20), // 1 MiB
		"wait_timeout":            5 * time.Second,
		"outputs":                 []string{OutputText},
		"log/level":               "info",
		"text/path":               "out/items.log",
		"text/terminator":         "\n",
		"text/mode":               "a",
		"kafka/driver":            broker.DefaultDriver,
		"kafka/topic":             "sinkflow.items",
		"kafka/brokers":           []string{"localhost:9092"},
		"kafka/client_id":         "sinkflow",
		"kafka/acks":              "all",
		"kafka/poll_interval":     200 * time.Millisecond,
		"kafka/close_timeout":     10 * time.Second,
		"postgres/table":          "items",
		"postgres/batch_size":     500,
		"postgres/flush_interval": 500 * time.Millisecond,
		"postgres/use_copy":       true,
		"metrics/addr":            "127.0.0.1:9090",
	}
}

// listKeys hold comma separated lists when set from the environment.
var listKeys = map[string]bool{
	"outputs":       true,
	"kafka/brokers": true,
}

// splitList splits a comma separated value, dropping blanks.
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// envKey maps SINKFLOW_KAFKA__PARAMS__LINGER_MS to kafka/params/linger.ms.
// Under kafka.params single underscores become dots, matching the client's
// own param names. An empty result skips the variable.
func envKey(name string) string {
	name = strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	parts := strings.Split(name, "__")
	if len(parts) == 1 && parts[0] == "config" {
		return ""
	}
	if len(parts) >= 3 && parts[0] == "kafka" && parts[1] == "params" {
		param := strings.ReplaceAll(strings.Join(parts[2:], "_"), "_", ".")
		return strings.Join([]string{"kafka", "params", param}, delim)
	}
	return strings.Join(parts, delim)
}

// Load merges defaults, the YAML file at path (skipped when path is empty or
// the file does not exist) and the environment, then validates the result.
func Load(path string) (Config, error) {
	k := koanf.New(delim)
	for key, v := range defaults() {
		if err := k.Set(key, v); err != nil {
			return Config{}, fmt.Errorf("config default %s: %w", key, err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	err := k.Load(env.ProviderWithValue(EnvPrefix, delim, func(name, value string) (string, any) {
		key := envKey(name)
		if listKeys[key] {
			return key, splitList(value)
		}
		return key, value
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load environment: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	c.Outputs = normalizeList(c.Outputs)
	c.Kafka.Brokers = normalizeList(c.Kafka.Brokers)

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// normalizeList re-splits entries so "text, kafka" and [text, kafka] load
// the same.
func normalizeList(in []string) []string {
	var out []string
	for _, v := range in {
		out = append(out, splitList(v)...)
	}
	return out
}

// Validate reports the first setting that cannot produce a working pipeline.
func (c Config) Validate() error {
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive, got %d", c.MaxBodyBytes)
	}
	for _, out := range c.Outputs {
		if !slices.Contains(knownOutputs, out) {
			return fmt.Errorf("unknown output %q (want one of %s)", out, strings.Join(knownOutputs, ", "))
		}
	}

	if !broker.Known(c.Kafka.Driver) {
		return fmt.Errorf("unknown kafka driver %q (want one of %s)", c.Kafka.Driver, strings.Join(broker.Drivers(), ", "))
	}
	if c.Enabled(OutputKafka) {
		if c.Kafka.Topic == "" {
			return errors.New("kafka.topic is required when the kafka output is enabled")
		}
		if len(c.Kafka.Brokers) == 0 && c.Kafka.Params["bootstrap.servers"] == "" {
			return errors.New("kafka.brokers is required when the kafka output is enabled")
		}
	}
	if c.Enabled(OutputPostgres) && c.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required when the postgres output is enabled")
	}
	switch c.Text.Mode {
	case "a", "w", "x":
	default:
		return fmt.Errorf("text.mode must be a, w or x, got %q", c.Text.Mode)
	}
	return nil
}

// Enabled reports whether output is listed in Outputs.
func (c Config) Enabled(output string) bool {
	return slices.Contains(c.Outputs, output)
}

// BrokerParams renders the typed kafka settings as producer params, with the
// raw params map applied on top.
func (k KafkaConfig) BrokerParams() broker.Params {
	p := broker.ClusterConfig{
		Brokers:       k.Brokers,
		ClientID:      k.ClientID,
		Acks:          k.Acks,
		Compression:   k.Compression,
		SASLMechanism: k.SASLMechanism,
		SASLUser:      k.SASLUser,
		SASLPassword:  k.SASLPassword,
		TLSCAPath:     k.TLSCA,
		TLSSkipVerify: k.TLSSkipVerify,
	}.Params()
	for key, v := range k.Params {
		p[key] = v
	}
	return p
}

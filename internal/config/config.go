// Package config assembles the forwarder settings from defaults, an
// optional YAML or JSONC file, a .env file, THETAPOINT_* environment
// variables and command line flags, in that order of precedence.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/Chichichkin/thetapoint-forwarder/internal/daemon"
	"github.com/Chichichkin/thetapoint-forwarder/internal/forwarder"
	"github.com/Chichichkin/thetapoint-forwarder/internal/output/retry"
	"github.com/Chichichkin/thetapoint-forwarder/internal/output/thetapoint"
)

const EnvPrefix = "THETAPOINT_"

type Config struct {
	Host               string `yaml:"host" json:"host"`
	Port               int    `yaml:"port" json:"port"`
	Path               string `yaml:"path" json:"path"`
	Key                string `yaml:"key" json:"key"`
	Proto              string `yaml:"proto" json:"proto"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
	ProxyHost          string `yaml:"proxy_host" json:"proxy_host"`
	ProxyPort          int    `yaml:"proxy_port" json:"proxy_port"`
	ProxyUser          string `yaml:"proxy_user" json:"proxy_user"`
	ProxyPassword      string `yaml:"proxy_password" json:"proxy_password"`

	Batch          bool     `yaml:"batch" json:"batch"`
	BatchEvents    int      `yaml:"batch_events" json:"batch_events"`
	BatchTimeout   Duration `yaml:"batch_timeout" json:"batch_timeout"`
	Compress       bool     `yaml:"compress" json:"compress"`
	RequestTimeout Duration `yaml:"request_timeout" json:"request_timeout"`
	ShutdownGrace  Duration `yaml:"shutdown_grace" json:"shutdown_grace"`

	RetryMaxAttempts    int      `yaml:"retry_max_attempts" json:"retry_max_attempts"`
	RetryInitialBackoff Duration `yaml:"retry_initial_backoff" json:"retry_initial_backoff"`
	RetryMaxBackoff     Duration `yaml:"retry_max_backoff" json:"retry_max_backoff"`
	RetryHTTP5xx        bool     `yaml:"retry_http_5xx" json:"retry_http_5xx"`
	AsyncWorkers        int      `yaml:"async_workers" json:"async_workers"`
	RequireField        string   `yaml:"require_field" json:"require_field"`

	InputRoot       string   `yaml:"input_root" json:"input_root"`
	InputPattern    string   `yaml:"input_pattern" json:"input_pattern"`
	ScanInterval    Duration `yaml:"scan_interval" json:"scan_interval"`
	MinWorkers      int      `yaml:"min_workers" json:"min_workers"`
	MaxWorkers      int      `yaml:"max_workers" json:"max_workers"`
	QueueSize       int      `yaml:"queue_size" json:"queue_size"`
	FileIdleTimeout Duration `yaml:"file_idle_timeout" json:"file_idle_timeout"`
	FromBeginning   bool     `yaml:"from_beginning" json:"from_beginning"`
	NodeName        string   `yaml:"node_name" json:"node_name"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`
}

func Default() *Config {
	nodeName, err := os.Hostname()
	if err != nil {
		nodeName = "unknown"
	}

	return &Config{
		Host:                thetapoint.DefaultHost,
		Port:                thetapoint.DefaultPort,
		Path:                thetapoint.DefaultPath,
		Proto:               thetapoint.DefaultProto,
		BatchEvents:         100,
		BatchTimeout:        Duration(5 * time.Second),
		RequestTimeout:      Duration(thetapoint.DefaultTimeout),
		ShutdownGrace:       Duration(30 * time.Second),
		RetryInitialBackoff: Duration(time.Second),
		RetryMaxBackoff:     Duration(30 * time.Second),
		InputRoot:           "/var/log/thetapoint",
		InputPattern:        "*.log",
		ScanInterval:        Duration(30 * time.Second),
		MinWorkers:          2,
		MaxWorkers:          10,
		QueueSize:           50,
		FileIdleTimeout:     Duration(5 * time.Minute),
		NodeName:            nodeName,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// Load returns the defaults overlaid with the file at path. Files ending
// in .json or .jsonc are read as JSON with comments, anything else as
// YAML. Unknown keys are rejected. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	default:
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	return cfg, nil
}

// LoadDotEnv exports the variables of a .env file into the process
// environment without overriding variables that are already set. A
// missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides settings from THETAPOINT_<KEY> variables.
func (c *Config) ApplyEnv() error {
	var errs []error
	for _, f := range c.fields() {
		name := EnvPrefix + strings.ToUpper(f.key)
		if value := os.Getenv(name); value != "" {
			if err := f.set(value); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// AddFlags registers one flag per setting, named after the key with
// dashes, e.g. --batch-events.
func AddFlags(flagSet *pflag.FlagSet) {
	defaults := Default()
	for _, f := range defaults.fields() {
		name := flagName(f.key)
		switch p := f.ptr.(type) {
		case *string:
			flagSet.String(name, *p, f.usage)
		case *int:
			flagSet.Int(name, *p, f.usage)
		case *bool:
			flagSet.Bool(name, *p, f.usage)
		case *Duration:
			flagSet.String(name, p.String(), f.usage)
		}
	}
}

// ApplyFlags overrides settings from the flags the user actually set.
func (c *Config) ApplyFlags(flagSet *pflag.FlagSet) error {
	byName := make(map[string]field)
	for _, f := range c.fields() {
		byName[flagName(f.key)] = f
	}

	var errs []error
	flagSet.Visit(func(flag *pflag.Flag) {
		f, ok := byName[flag.Name]
		if !ok {
			return
		}
		if err := f.set(flag.Value.String()); err != nil {
			errs = append(errs, fmt.Errorf("--%s: %w", flag.Name, err))
		}
	})
	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	var errs []error

	if c.Key == "" {
		errs = append(errs, errors.New("key is required"))
	}
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Proto != "http" && c.Proto != "https" {
		errs = append(errs, fmt.Errorf("proto must be http or https, got %q", c.Proto))
	}
	if c.ProxyHost != "" && (c.ProxyPort <= 0 || c.ProxyPort > 65535) {
		errs = append(errs, fmt.Errorf("proxy_port %d out of range", c.ProxyPort))
	}
	if c.ProxyHost == "" && c.ProxyUser != "" {
		errs = append(errs, errors.New("proxy_user set without proxy_host"))
	}

	if c.Batch {
		if c.BatchEvents <= 0 {
			errs = append(errs, fmt.Errorf("batch_events must be positive, got %d", c.BatchEvents))
		}
		if c.BatchTimeout <= 0 {
			errs = append(errs, fmt.Errorf("batch_timeout must be positive, got %s", c.BatchTimeout))
		}
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout))
	}
	if c.ShutdownGrace <= 0 {
		errs = append(errs, fmt.Errorf("shutdown_grace must be positive, got %s", c.ShutdownGrace))
	}
	if c.RetryMaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry_max_attempts must not be negative, got %d", c.RetryMaxAttempts))
	}
	if c.RetryMaxAttempts > 1 && (c.RetryInitialBackoff <= 0 || c.RetryMaxBackoff < c.RetryInitialBackoff) {
		errs = append(errs, fmt.Errorf("invalid retry backoff %s..%s", c.RetryInitialBackoff, c.RetryMaxBackoff))
	}
	if c.AsyncWorkers < 0 {
		errs = append(errs, fmt.Errorf("async_workers must not be negative, got %d", c.AsyncWorkers))
	}

	if c.InputRoot == "" {
		errs = append(errs, errors.New("input_root is required"))
	}
	if _, err := filepath.Match(c.InputPattern, ""); err != nil {
		errs = append(errs, fmt.Errorf("input_pattern %q: %w", c.InputPattern, err))
	}
	if c.ScanInterval <= 0 {
		errs = append(errs, fmt.Errorf("scan_interval must be positive, got %s", c.ScanInterval))
	}
	if c.MinWorkers <= 0 || c.MaxWorkers < c.MinWorkers {
		errs = append(errs, fmt.Errorf("invalid worker range %d..%d", c.MinWorkers, c.MaxWorkers))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue_size must be positive, got %d", c.QueueSize))
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

func (c *Config) SenderConfig() thetapoint.Config {
	return thetapoint.Config{
		Proto:              c.Proto,
		Host:               c.Host,
		Port:               c.Port,
		Path:               c.Path,
		ProxyHost:          c.ProxyHost,
		ProxyPort:          c.ProxyPort,
		ProxyUser:          c.ProxyUser,
		ProxyPassword:      c.ProxyPassword,
		InsecureSkipVerify: c.InsecureSkipVerify,
		Timeout:            c.RequestTimeout.Std(),
	}
}

func (c *Config) ForwarderConfig() forwarder.Config {
	return forwarder.Config{
		KeyTemplate:  c.Key,
		Batch:        c.Batch,
		BatchEvents:  c.BatchEvents,
		BatchTimeout: c.BatchTimeout.Std(),
		Compress:     c.Compress,
		AsyncWorkers: c.AsyncWorkers,
	}
}

// RetryPolicy is retry.None unless more than one attempt is allowed.
func (c *Config) RetryPolicy() retry.Policy {
	if c.RetryMaxAttempts <= 1 {
		return retry.None{}
	}
	return retry.Backoff{
		Initial:      c.RetryInitialBackoff.Std(),
		Max:          c.RetryMaxBackoff.Std(),
		MaxAttempts:  c.RetryMaxAttempts,
		RetryHTTP5xx: c.RetryHTTP5xx,
	}
}

// Predicate returns nil when every event is accepted.
func (c *Config) Predicate() forwarder.Predicate {
	if c.RequireField == "" {
		return nil
	}
	return forwarder.RequireField(c.RequireField)
}

func (c *Config) DaemonConfig() daemon.Config {
	return daemon.Config{
		Root:               c.InputRoot,
		Pattern:            c.InputPattern,
		FromBeginning:      c.FromBeginning,
		ScanInterval:       c.ScanInterval.Std(),
		MinWorkers:         c.MinWorkers,
		MaxWorkers:         c.MaxWorkers,
		FileQueueSize:      c.QueueSize,
		NodeName:           c.NodeName,
		ScaleUpThreshold:   0.9,
		ScaleDownThreshold: 0.3,
		ScaleCheckInterval: 15 * time.Second,
		FileIdleTimeout:    c.FileIdleTimeout.Std(),
		MetricsInterval:    30 * time.Second,
	}
}

// NewLogger builds the process logger from log_level and log_format.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// LogAttrs summarises the effective settings for the startup log line.
// Credentials are left out.
func (c *Config) LogAttrs() []any {
	return []any{
		"endpoint", fmt.Sprintf("%s://%s:%d/%s", c.Proto, c.Host, c.Port, c.Path),
		"key", c.Key,
		"proxy", c.ProxyHost,
		"proxy_auth", c.ProxyUser != "",
		"batch", c.Batch,
		"batch_events", c.BatchEvents,
		"batch_timeout", c.BatchTimeout.String(),
		"compress", c.Compress,
		"retry_max_attempts", c.RetryMaxAttempts,
		"input_root", c.InputRoot,
	}
}

type field struct {
	key   string
	usage string
	ptr   any
}

func (c *Config) fields() []field {
	return []field{
		{"host", "ThetaPoint API host", &c.Host},
		{"port", "ThetaPoint API port", &c.Port},
		{"path", "bulk endpoint path segment", &c.Path},
		{"key", "routing key template, e.g. %{tenant}", &c.Key},
		{"proto", "http or https", &c.Proto},
		{"insecure_skip_verify", "accept any server certificate", &c.InsecureSkipVerify},
		{"proxy_host", "HTTP proxy host", &c.ProxyHost},
		{"proxy_port", "HTTP proxy port", &c.ProxyPort},
		{"proxy_user", "HTTP proxy user", &c.ProxyUser},
		{"proxy_password", "HTTP proxy password", &c.ProxyPassword},
		{"batch", "accumulate events per routing key", &c.Batch},
		{"batch_events", "events per batch", &c.BatchEvents},
		{"batch_timeout", "max age of a batch (seconds or duration)", &c.BatchTimeout},
		{"compress", "deflate payloads", &c.Compress},
		{"request_timeout", "HTTP request timeout", &c.RequestTimeout},
		{"shutdown_grace", "time allowed to drain on shutdown", &c.ShutdownGrace},
		{"retry_max_attempts", "attempts per payload, 0 or 1 disables retry", &c.RetryMaxAttempts},
		{"retry_initial_backoff", "first retry delay", &c.RetryInitialBackoff},
		{"retry_max_backoff", "retry delay cap", &c.RetryMaxBackoff},
		{"retry_http_5xx", "retry on 5xx responses", &c.RetryHTTP5xx},
		{"async_workers", "background senders in immediate mode", &c.AsyncWorkers},
		{"require_field", "forward only events carrying this field", &c.RequireField},
		{"input_root", "directory to scan for log files", &c.InputRoot},
		{"input_pattern", "glob matched against file names", &c.InputPattern},
		{"scan_interval", "directory scan interval", &c.ScanInterval},
		{"min_workers", "minimum tail workers", &c.MinWorkers},
		{"max_workers", "maximum tail workers", &c.MaxWorkers},
		{"queue_size", "file queue capacity", &c.QueueSize},
		{"file_idle_timeout", "release files idle for this long, 0 never", &c.FileIdleTimeout},
		{"from_beginning", "read new files from the start", &c.FromBeginning},
		{"node_name", "host field added to events", &c.NodeName},
		{"log_level", "debug, info, warn or error", &c.LogLevel},
		{"log_format", "text or json", &c.LogFormat},
	}
}

func (f field) set(value string) error {
	switch p := f.ptr.(type) {
	case *string:
		*p = value
	case *int:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return err
		}
		*p = n
	case *bool:
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return err
		}
		*p = b
	case *Duration:
		d, err := ParseDuration(value)
		if err != nil {
			return err
		}
		*p = d
	default:
		return fmt.Errorf("unsupported setting type %T", f.ptr)
	}
	return nil
}

func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

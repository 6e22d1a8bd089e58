// Package config loads the gateway document: tunables under "gateway" and
// the backend registry under "backends". YAML, JSON and TOML files are
// accepted; ${VAR} references are expanded from the environment first.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	mcperrors "github.com/WebSurfinMurf/mcp-sub001/pkg/errors"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/registry"
)

// Document is the parsed configuration file.
type Document struct {
	Gateway  GatewayConfig   `yaml:"gateway" toml:"gateway"`
	Backends []BackendConfig `yaml:"backends" toml:"backends"`
}

// GatewayConfig holds the tunables. Durations are written as Go duration
// strings and parsed into the matching time.Duration field after decoding.
type GatewayConfig struct {
	ListenAddr     string   `yaml:"listen_addr" toml:"listen_addr"`
	Tokens         []string `yaml:"tokens" toml:"tokens"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	LogLevel       string   `yaml:"log_level" toml:"log_level"`
	LogFormat      string   `yaml:"log_format" toml:"log_format"`

	UnreachableAfter      int `yaml:"unreachable_after" toml:"unreachable_after"`
	ReconnectMaxAttempts  int `yaml:"reconnect_max_attempts" toml:"reconnect_max_attempts"`
	OpeningQueueSize      int `yaml:"opening_queue_size" toml:"opening_queue_size"`
	MaxSessionsPerBackend int `yaml:"max_sessions_per_backend" toml:"max_sessions_per_backend"` // zero disables the cap

	IdleSessionTimeout      time.Duration `yaml:"-" toml:"-"`
	UnclaimedSessionTimeout time.Duration `yaml:"-" toml:"-"`
	RequestDeadline         time.Duration `yaml:"-" toml:"-"`
	DeadlineSweepInterval   time.Duration `yaml:"-" toml:"-"`
	IdleSweepInterval       time.Duration `yaml:"-" toml:"-"`
	HealthProbeInterval     time.Duration `yaml:"-" toml:"-"`
	HealthProbeTimeout      time.Duration `yaml:"-" toml:"-"`
	DegradedLatency         time.Duration `yaml:"-" toml:"-"`
	ReconnectInitialBackoff time.Duration `yaml:"-" toml:"-"`
	ReconnectMaxBackoff     time.Duration `yaml:"-" toml:"-"`
	SubprocessGracePeriod   time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeout         time.Duration `yaml:"-" toml:"-"`

	IdleSessionTimeoutRaw      string `yaml:"idle_session_timeout" toml:"idle_session_timeout"`
	UnclaimedSessionTimeoutRaw string `yaml:"unclaimed_session_timeout" toml:"unclaimed_session_timeout"`
	RequestDeadlineRaw         string `yaml:"request_deadline" toml:"request_deadline"`
	DeadlineSweepIntervalRaw   string `yaml:"deadline_sweep_interval" toml:"deadline_sweep_interval"`
	IdleSweepIntervalRaw       string `yaml:"idle_sweep_interval" toml:"idle_sweep_interval"`
	HealthProbeIntervalRaw     string `yaml:"health_probe_interval" toml:"health_probe_interval"`
	HealthProbeTimeoutRaw      string `yaml:"health_probe_timeout" toml:"health_probe_timeout"`
	DegradedLatencyRaw         string `yaml:"degraded_latency" toml:"degraded_latency"`
	ReconnectInitialBackoffRaw string `yaml:"reconnect_initial_backoff" toml:"reconnect_initial_backoff"`
	ReconnectMaxBackoffRaw     string `yaml:"reconnect_max_backoff" toml:"reconnect_max_backoff"`
	SubprocessGracePeriodRaw   string `yaml:"subprocess_grace_period" toml:"subprocess_grace_period"`
	ShutdownTimeoutRaw         string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`

	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
	Tracing TracingConfig `yaml:"tracing" toml:"tracing"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// IsEnabled reports whether metrics are on; they default to on.
func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Exporter   string            `yaml:"exporter" toml:"exporter"`
	Endpoint   string            `yaml:"endpoint" toml:"endpoint"`
	Insecure   bool              `yaml:"insecure" toml:"insecure"`
	SampleRate float64           `yaml:"sample_rate" toml:"sample_rate"`
	Headers    map[string]string `yaml:"headers" toml:"headers"`
}

// BackendConfig is one entry of the registry document.
type BackendConfig struct {
	Name      string            `yaml:"name" toml:"name"`
	Transport string            `yaml:"transport" toml:"transport"`
	Command   string            `yaml:"command" toml:"command"`
	Args      []string          `yaml:"args" toml:"args"`
	Env       map[string]string `yaml:"env" toml:"env"`
	Dir       string            `yaml:"dir" toml:"dir"`
	Address   string            `yaml:"address" toml:"address"`
	URL       string            `yaml:"url" toml:"url"`
	Headers   map[string]string `yaml:"headers" toml:"headers"`
	Prefix    string            `yaml:"prefix" toml:"prefix"`
	Pooled    *bool             `yaml:"pooled" toml:"pooled"`

	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout" toml:"request_timeout"`
}

// envOverrides are applied on top of the file.
type envOverrides struct {
	ListenAddr string   `env:"GATEWAY_LISTEN_ADDR"`
	Tokens     []string `env:"GATEWAY_TOKENS"`
	LogLevel   string   `env:"GATEWAY_LOG_LEVEL"`
	LogFormat  string   `env:"GATEWAY_LOG_FORMAT"`
}

// Load reads, expands, decodes, defaults and validates the document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes data in the format named by ext (".yaml", ".yml", ".json" or ".toml").
func Parse(data []byte, ext string) (*Document, error) {
	expanded := expandEnvVars(string(data))

	var doc Document
	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(expanded, &doc); err != nil {
			return nil, fmt.Errorf("parsing TOML: %w", err)
		}
	case ".yaml", ".yml", ".json", "":
		dec := yaml.NewDecoder(bytes.NewBufferString(expanded))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	if err := applyEnv(&doc.Gateway); err != nil {
		return nil, fmt.Errorf("reading environment overrides: %w", err)
	}

	applyDefaults(&doc.Gateway)

	if err := parseDurations(&doc); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &doc, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyEnv(g *GatewayConfig) error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return err
	}
	if env.ListenAddr != "" {
		g.ListenAddr = env.ListenAddr
	}
	if len(env.Tokens) > 0 {
		g.Tokens = env.Tokens
	}
	if env.LogLevel != "" {
		g.LogLevel = env.LogLevel
	}
	if env.LogFormat != "" {
		g.LogFormat = env.LogFormat
	}
	return nil
}

func applyDefaults(g *GatewayConfig) {
	if g.ListenAddr == "" {
		g.ListenAddr = ":8080"
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	if g.LogFormat == "" {
		g.LogFormat = "text"
	}
	if g.UnreachableAfter == 0 {
		g.UnreachableAfter = 3
	}
	if g.ReconnectMaxAttempts == 0 {
		g.ReconnectMaxAttempts = 8
	}
	if g.OpeningQueueSize == 0 {
		g.OpeningQueueSize = 64
	}
	if g.Metrics.Path == "" {
		g.Metrics.Path = "/metrics"
	}
	if g.Tracing.Exporter == "" {
		g.Tracing.Exporter = "noop"
	}
	if g.Tracing.SampleRate == 0 {
		g.Tracing.SampleRate = 1.0
	}
}

type durationField struct {
	name string
	raw  string
	dst  *time.Duration
	def  time.Duration
}

func (g *GatewayConfig) durationFields() []durationField {
	return []durationField{
		{"idle_session_timeout", g.IdleSessionTimeoutRaw, &g.IdleSessionTimeout, 5 * time.Minute},
		{"unclaimed_session_timeout", g.UnclaimedSessionTimeoutRaw, &g.UnclaimedSessionTimeout, 30 * time.Second},
		{"request_deadline", g.RequestDeadlineRaw, &g.RequestDeadline, 30 * time.Second},
		{"deadline_sweep_interval", g.DeadlineSweepIntervalRaw, &g.DeadlineSweepInterval, 25 * time.Millisecond},
		{"idle_sweep_interval", g.IdleSweepIntervalRaw, &g.IdleSweepInterval, 30 * time.Second},
		{"health_probe_interval", g.HealthProbeIntervalRaw, &g.HealthProbeInterval, 15 * time.Second},
		{"health_probe_timeout", g.HealthProbeTimeoutRaw, &g.HealthProbeTimeout, 2 * time.Second},
		{"degraded_latency", g.DegradedLatencyRaw, &g.DegradedLatency, time.Second},
		{"reconnect_initial_backoff", g.ReconnectInitialBackoffRaw, &g.ReconnectInitialBackoff, 250 * time.Millisecond},
		{"reconnect_max_backoff", g.ReconnectMaxBackoffRaw, &g.ReconnectMaxBackoff, 10 * time.Second},
		{"subprocess_grace_period", g.SubprocessGracePeriodRaw, &g.SubprocessGracePeriod, 2 * time.Second},
		{"shutdown_timeout", g.ShutdownTimeoutRaw, &g.ShutdownTimeout, 10 * time.Second},
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(doc *Document) error {
	for _, f := range doc.Gateway.durationFields() {
		if f.raw == "" {
			if *f.dst == 0 {
				*f.dst = f.def
			}
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	for i := range doc.Backends {
		b := &doc.Backends[i]
		if b.RequestTimeoutRaw == "" {
			continue
		}
		d, err := time.ParseDuration(b.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing backends[%d].request_timeout %q: %w", i, b.RequestTimeoutRaw, err)
		}
		b.RequestTimeout = d
	}
	return nil
}

// Validate checks the tunables and the backend registry. The registry is
// validated by building a throwaway snapshot.
func (d *Document) Validate() error {
	g := d.Gateway
	if g.ListenAddr == "" {
		return mcperrors.ConfigInvalid("gateway.listen_addr", "is required")
	}

	tokens := 0
	for _, t := range g.Tokens {
		if strings.TrimSpace(t) != "" {
			tokens++
		}
	}
	if tokens == 0 {
		return mcperrors.ConfigInvalid("gateway.tokens", "at least one non-empty bearer token is required")
	}

	for _, f := range g.durationFields() {
		if *f.dst <= 0 {
			return mcperrors.ConfigInvalid("gateway."+f.name, "must be positive")
		}
	}
	if g.DeadlineSweepInterval >= g.RequestDeadline {
		return mcperrors.ConfigInvalid("gateway.deadline_sweep_interval", "must be shorter than request_deadline")
	}
	if g.ReconnectInitialBackoff > g.ReconnectMaxBackoff {
		return mcperrors.ConfigInvalid("gateway.reconnect_initial_backoff", "must not exceed reconnect_max_backoff")
	}
	if g.UnreachableAfter < 1 || g.OpeningQueueSize < 1 || g.ReconnectMaxAttempts < 1 {
		return mcperrors.ConfigInvalid("gateway", "unreachable_after, opening_queue_size and reconnect_max_attempts must be at least 1")
	}
	if g.MaxSessionsPerBackend < 0 {
		return mcperrors.ConfigInvalid("gateway.max_sessions_per_backend", "must not be negative")
	}
	switch g.Tracing.Exporter {
	case "noop", "otlp-grpc", "otlp-http":
	default:
		return mcperrors.ConfigInvalid("gateway.tracing.exporter", fmt.Sprintf("unknown exporter %q", g.Tracing.Exporter))
	}

	descs, err := d.Descriptors()
	if err != nil {
		return err
	}
	if _, err := registry.New(descs); err != nil {
		return err
	}
	return nil
}

// Descriptors converts the backend section into registry descriptors.
// It implements registry.Source.
func (d *Document) Descriptors() ([]registry.Descriptor, error) {
	out := make([]registry.Descriptor, 0, len(d.Backends))
	for i, b := range d.Backends {
		kind, err := registry.ParseKind(b.Transport)
		if err != nil {
			return nil, mcperrors.ConfigInvalid(fmt.Sprintf("backends[%d].transport", i), err.Error())
		}
		pooled := true
		if b.Pooled != nil {
			pooled = *b.Pooled
		}
		timeout := b.RequestTimeout
		if timeout == 0 && kind == registry.KindRequest {
			timeout = d.Gateway.RequestDeadline
		}
		out = append(out, registry.Descriptor{
			Name:           b.Name,
			Kind:           kind,
			Command:        b.Command,
			Args:           b.Args,
			Env:            b.Env,
			Dir:            b.Dir,
			Address:        b.Address,
			Pooled:         pooled,
			URL:            b.URL,
			RequestTimeout: timeout,
			Headers:        b.Headers,
			Prefix:         b.Prefix,
		})
	}
	return out, nil
}

// FileSource returns a registry.Source that re-reads path on every load.
func FileSource(path string) registry.Source {
	return registry.SourceFunc(func() ([]registry.Descriptor, error) {
		doc, err := Load(path)
		if err != nil {
			return nil, err
		}
		return doc.Descriptors()
	})
}

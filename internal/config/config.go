// Package config loads the orchestrator configuration from YAML, validates
// it against an embedded CUE schema and applies ORCH_* environment
// overrides.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/simorchestrator/internal/control"
	"github.com/signalsfoundry/simorchestrator/internal/dispatch"
	"github.com/signalsfoundry/simorchestrator/internal/logging"
	"github.com/signalsfoundry/simorchestrator/internal/nodepool"
	"github.com/signalsfoundry/simorchestrator/internal/observability"
	"github.com/signalsfoundry/simorchestrator/internal/orchestrator"
	"github.com/signalsfoundry/simorchestrator/internal/sim/state"
	"github.com/signalsfoundry/simorchestrator/internal/telemetry"
)

// ErrInvalidConfig wraps schema and semantic validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

//go:embed schema.cue
var schemaSource []byte

type Listen struct {
	GRPC string `yaml:"grpc"`
	HTTP string `yaml:"http"`
}

type Nodes struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MissedHeartbeats  int           `yaml:"missed_heartbeats"`
	LivenessWindow    time.Duration `yaml:"liveness_window"`
}

type Simulations struct {
	ProgressTimeout     time.Duration `yaml:"progress_timeout"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	ArchiveSize         int           `yaml:"archive_size"`
	DiscardedSize       int           `yaml:"discarded_size"`
	ArchivePath         string        `yaml:"archive_path"`
	MaxParallelLaunches int           `yaml:"max_parallel_launches"`
}

type Telemetry struct {
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

type Control struct {
	SimCommandAttempts uint           `yaml:"sim_command_attempts"`
	InitialBackoff     time.Duration  `yaml:"initial_backoff"`
	MaxBackoff         time.Duration  `yaml:"max_backoff"`
	Bounds             control.Bounds `yaml:"bounds"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full orchestrator configuration.
type Config struct {
	Listen      Listen                      `yaml:"listen"`
	Nodes       Nodes                       `yaml:"nodes"`
	Simulations Simulations                 `yaml:"simulations"`
	Telemetry   Telemetry                   `yaml:"telemetry"`
	Control     Control                     `yaml:"control"`
	Tracing     observability.TracingConfig `yaml:"tracing"`
	Logging     Logging                     `yaml:"logging"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen: Listen{GRPC: ":50051", HTTP: ":9090"},
		Nodes: Nodes{
			HeartbeatInterval: 5 * time.Second,
			MissedHeartbeats:  3,
		},
		Simulations: Simulations{
			ProgressTimeout:     30 * time.Second,
			SweepInterval:       time.Second,
			ArchiveSize:         1024,
			DiscardedSize:       256,
			MaxParallelLaunches: 16,
		},
		Telemetry: Telemetry{FetchTimeout: 2 * time.Second},
		Control: Control{
			SimCommandAttempts: 5,
			InitialBackoff:     50 * time.Millisecond,
			MaxBackoff:         2 * time.Second,
			Bounds:             control.DefaultBounds(),
		},
		Tracing: observability.DefaultTracingConfig(),
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// Load reads path, validates it and layers it over Default. An empty path
// yields Default. Environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Validate(data); err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	cfg = cfg.WithEnv()
	if err := cfg.Check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks raw YAML against the embedded CUE schema.
func Validate(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	file, err := cueyaml.Extract("config.yaml", data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is ignored.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// WithEnv applies ORCH_* overrides. Malformed values are ignored.
func (c Config) WithEnv() Config {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				*dst = d
			}
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	setString("ORCH_GRPC_ADDR", &c.Listen.GRPC)
	setString("ORCH_HTTP_ADDR", &c.Listen.HTTP)
	setDuration("ORCH_HEARTBEAT_INTERVAL", &c.Nodes.HeartbeatInterval)
	setInt("ORCH_MISSED_HEARTBEATS", &c.Nodes.MissedHeartbeats)
	setDuration("ORCH_LIVENESS_WINDOW", &c.Nodes.LivenessWindow)
	setDuration("ORCH_PROGRESS_TIMEOUT", &c.Simulations.ProgressTimeout)
	setDuration("ORCH_SWEEP_INTERVAL", &c.Simulations.SweepInterval)
	setString("ORCH_ARCHIVE_PATH", &c.Simulations.ArchivePath)
	setDuration("ORCH_FETCH_TIMEOUT", &c.Telemetry.FetchTimeout)
	setString("LOG_LEVEL", &c.Logging.Level)
	setString("LOG_FORMAT", &c.Logging.Format)
	c.Tracing = c.Tracing.WithEnv()
	return c
}

// Check enforces constraints the schema cannot express.
func (c Config) Check() error {
	if err := c.Control.Bounds.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Nodes.LivenessWindow > 0 && c.Nodes.LivenessWindow < c.Nodes.HeartbeatInterval {
		return fmt.Errorf("%w: liveness_window %s is shorter than heartbeat_interval %s",
			ErrInvalidConfig, c.Nodes.LivenessWindow, c.Nodes.HeartbeatInterval)
	}
	if c.Control.MaxBackoff > 0 && c.Control.MaxBackoff < c.Control.InitialBackoff {
		return fmt.Errorf("%w: max_backoff %s is shorter than initial_backoff %s",
			ErrInvalidConfig, c.Control.MaxBackoff, c.Control.InitialBackoff)
	}
	return nil
}

// Orchestrator converts c into the core's configuration.
func (c Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		Pool: nodepool.Config{
			HeartbeatInterval: c.Nodes.HeartbeatInterval,
			MissedHeartbeats:  c.Nodes.MissedHeartbeats,
			LivenessWindow:    c.Nodes.LivenessWindow,
		},
		State: state.Config{
			ProgressTimeout: c.Simulations.ProgressTimeout,
			ArchiveSize:     c.Simulations.ArchiveSize,
			DiscardedSize:   c.Simulations.DiscardedSize,
		},
		Dispatch:  dispatch.Config{MaxParallel: c.Simulations.MaxParallelLaunches},
		Telemetry: telemetry.Config{FetchTimeout: c.Telemetry.FetchTimeout},
		Control: control.Config{
			Bounds:             c.Control.Bounds,
			SimCommandAttempts: c.Control.SimCommandAttempts,
			InitialBackoff:     c.Control.InitialBackoff,
			MaxBackoff:         c.Control.MaxBackoff,
		},
		SweepInterval: c.Simulations.SweepInterval,
		ArchivePath:   c.Simulations.ArchivePath,
	}
}

// Logger builds the logger described by c.
func (c Config) Logger() logging.Logger {
	return logging.New(logging.Config{
		Level:     c.Logging.Level,
		Format:    c.Logging.Format,
		AddSource: true,
	})
}

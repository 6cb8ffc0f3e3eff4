// Package config loads cellrunner settings from cellrunner.yaml and
// CELLRUNNER_* environment variables, and turns them into the configuration
// structs of the individual components.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/sakif/cellrunner/internal/executor"
	"github.com/sakif/cellrunner/internal/executor/docker"
	"github.com/sakif/cellrunner/internal/executor/governor"
	"github.com/sakif/cellrunner/internal/executor/process"
)

// Backend names accepted by sandbox.backend.
const (
	BackendDocker  = "docker"
	BackendProcess = "process"
)

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AuthConfig struct {
	// JWTSecret signs and verifies API bearer tokens. Empty disables auth.
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	// RequireForExecute rejects anonymous execution requests.
	RequireForExecute bool `mapstructure:"require_for_execute"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type PoolConfig struct {
	MaxConcurrency int `mapstructure:"max_concurrency"`
	QueueLength    int `mapstructure:"queue_length"`
}

type DockerConfig struct {
	Image        string        `mapstructure:"image"`
	PoolSize     int           `mapstructure:"pool_size"`
	CPULimit     float64       `mapstructure:"cpu_limit"`
	PullImage    bool          `mapstructure:"pull_image"`
	AcquireGrace time.Duration `mapstructure:"acquire_grace"`
}

type ProcessConfig struct {
	HelperPath string   `mapstructure:"helper_path"`
	Namespaces bool     `mapstructure:"namespaces"`
	Seccomp    bool     `mapstructure:"seccomp"`
	Insecure   bool     `mapstructure:"insecure"`
	Cgroup     bool     `mapstructure:"cgroup"`
	CgroupRoot string   `mapstructure:"cgroup_root"`
	MaskPaths  []string `mapstructure:"mask_paths"`
	UID        int      `mapstructure:"uid"`
	GID        int      `mapstructure:"gid"`
}

// SandboxConfig holds the execution limits. Byte sizes are human strings
// such as "256MiB".
type SandboxConfig struct {
	Backend     string `mapstructure:"backend"`
	Interpreter string `mapstructure:"interpreter"`
	ScratchRoot string `mapstructure:"scratch_root"`

	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout"`
	DefaultMemory  string        `mapstructure:"default_memory"`
	MaxMemory      string        `mapstructure:"max_memory"`
	MaxOutput      string        `mapstructure:"max_output"`
	MaxFileSize    string        `mapstructure:"max_file_size"`
	MaxCodeSize    string        `mapstructure:"max_code_size"`
	MaxProcesses   int64         `mapstructure:"max_processes"`
	AllowNetwork   bool          `mapstructure:"allow_network"`

	Pool    PoolConfig    `mapstructure:"pool"`
	Docker  DockerConfig  `mapstructure:"docker"`
	Process ProcessConfig `mapstructure:"process"`
}

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Storage StorageConfig `mapstructure:"storage"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
}

func setDefaults(v *viper.Viper) {
	pd := process.DefaultConfig()
	dd := docker.DefaultConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.require_for_execute", false)

	v.SetDefault("storage.db_path", filepath.Join("data", "cellrunner.db"))

	v.SetDefault("sandbox.backend", BackendDocker)
	v.SetDefault("sandbox.interpreter", "python3")
	v.SetDefault("sandbox.scratch_root", pd.ScratchRoot)
	v.SetDefault("sandbox.default_timeout", 5*time.Second)
	v.SetDefault("sandbox.max_timeout", 30*time.Second)
	v.SetDefault("sandbox.default_memory", "256MiB")
	v.SetDefault("sandbox.max_memory", "1GiB")
	v.SetDefault("sandbox.max_output", "1MiB")
	v.SetDefault("sandbox.max_file_size", "16MiB")
	v.SetDefault("sandbox.max_code_size", "64KiB")
	v.SetDefault("sandbox.max_processes", 64)
	v.SetDefault("sandbox.allow_network", false)

	v.SetDefault("sandbox.pool.max_concurrency", 4)
	v.SetDefault("sandbox.pool.queue_length", 16)

	v.SetDefault("sandbox.docker.image", dd.Image)
	v.SetDefault("sandbox.docker.pool_size", dd.PoolSize)
	v.SetDefault("sandbox.docker.cpu_limit", dd.CPULimit)
	v.SetDefault("sandbox.docker.pull_image", dd.PullImage)
	v.SetDefault("sandbox.docker.acquire_grace", dd.AcquireGrace)

	v.SetDefault("sandbox.process.helper_path", "")
	v.SetDefault("sandbox.process.namespaces", pd.EnableNamespaces)
	v.SetDefault("sandbox.process.seccomp", pd.EnableSeccomp)
	v.SetDefault("sandbox.process.insecure", false)
	v.SetDefault("sandbox.process.cgroup", false)
	v.SetDefault("sandbox.process.cgroup_root", "")
	v.SetDefault("sandbox.process.mask_paths", pd.MaskPaths)
	v.SetDefault("sandbox.process.uid", -1)
	v.SetDefault("sandbox.process.gid", -1)
}

// Load reads the configuration. When file is empty, cellrunner.yaml is looked
// up in the working directory, $HOME/.cellrunner and /etc/cellrunner; a
// missing file is not an error. Environment variables override the file, e.g.
// CELLRUNNER_SANDBOX_BACKEND=process.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CELLRUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("cellrunner")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.cellrunner")
		v.AddConfigPath("/etc/cellrunner")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that viper cannot type-check.
func (c *Config) Validate() error {
	switch c.Sandbox.Backend {
	case BackendDocker, BackendProcess:
	default:
		return fmt.Errorf("config: sandbox.backend must be %q or %q, got %q", BackendDocker, BackendProcess, c.Sandbox.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if _, err := c.Engine(); err != nil {
		return err
	}
	return nil
}

func parseBytes(key, s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if n == 0 || n > 1<<50 {
		return 0, fmt.Errorf("config: %s: %q is out of range", key, s)
	}
	return int64(n), nil
}

// Policy builds the resource governor policy.
func (c *Config) Policy() (governor.Policy, error) {
	s := c.Sandbox
	p := governor.DefaultPolicy()
	p.DefaultTimeout = s.DefaultTimeout
	p.MaxTimeout = s.MaxTimeout
	p.MaxProcesses = s.MaxProcesses
	p.AllowNetwork = s.AllowNetwork

	var err error
	if p.DefaultMemoryBytes, err = parseBytes("sandbox.default_memory", s.DefaultMemory); err != nil {
		return p, err
	}
	if p.MaxMemoryBytes, err = parseBytes("sandbox.max_memory", s.MaxMemory); err != nil {
		return p, err
	}
	if p.MaxFileBytes, err = parseBytes("sandbox.max_file_size", s.MaxFileSize); err != nil {
		return p, err
	}
	out, err := parseBytes("sandbox.max_output", s.MaxOutput)
	if err != nil {
		return p, err
	}
	p.MaxOutputBytes = int(out)
	if p.MinMemoryBytes > p.DefaultMemoryBytes {
		p.MinMemoryBytes = p.DefaultMemoryBytes
	}
	if p.MinTimeout > p.DefaultTimeout {
		p.MinTimeout = p.DefaultTimeout
	}

	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("config: %w", err)
	}
	return p, nil
}

// Engine builds the execution engine configuration.
func (c *Config) Engine() (executor.Config, error) {
	ec := executor.DefaultConfig()
	policy, err := c.Policy()
	if err != nil {
		return ec, err
	}
	ec.Policy = policy
	code, err := parseBytes("sandbox.max_code_size", c.Sandbox.MaxCodeSize)
	if err != nil {
		return ec, err
	}
	ec.MaxCodeBytes = int(code)
	ec.MaxConcurrency = c.Sandbox.Pool.MaxConcurrency
	ec.QueueLength = c.Sandbox.Pool.QueueLength
	if ec.MaxConcurrency <= 0 {
		return ec, fmt.Errorf("config: sandbox.pool.max_concurrency must be positive")
	}
	if ec.QueueLength < 0 {
		return ec, fmt.Errorf("config: sandbox.pool.queue_length must not be negative")
	}
	ec.Extract.MaxFileBytes = policy.MaxFileBytes
	return ec, nil
}

// Process builds the process backend configuration.
func (c *Config) Process() process.Config {
	s := c.Sandbox
	pc := process.DefaultConfig()
	pc.Interpreter = s.Interpreter
	pc.ScratchRoot = s.ScratchRoot
	pc.HelperPath = s.Process.HelperPath
	pc.EnableNamespaces = s.Process.Namespaces
	pc.EnableSeccomp = s.Process.Seccomp
	pc.Insecure = s.Process.Insecure
	pc.EnableCgroup = s.Process.Cgroup
	pc.CgroupRoot = s.Process.CgroupRoot
	pc.MaskPaths = s.Process.MaskPaths
	pc.UID = s.Process.UID
	pc.GID = s.Process.GID
	return pc
}

// Docker builds the container backend configuration. Containers are created
// with the maximum memory limit; each run lowers it to its own.
func (c *Config) Docker() (docker.Config, error) {
	s := c.Sandbox
	dc := docker.DefaultConfig()
	dc.Image = s.Docker.Image
	dc.Interpreter = s.Interpreter
	dc.PoolSize = s.Docker.PoolSize
	dc.CPULimit = s.Docker.CPULimit
	dc.PullImage = s.Docker.PullImage
	dc.AcquireGrace = s.Docker.AcquireGrace
	dc.PidsLimit = s.MaxProcesses
	dc.ScratchRoot = filepath.Join(s.ScratchRoot, "docker")

	mem, err := parseBytes("sandbox.max_memory", s.MaxMemory)
	if err != nil {
		return dc, err
	}
	dc.MemoryLimit = mem
	if dc.PoolSize <= 0 {
		return dc, fmt.Errorf("config: sandbox.docker.pool_size must be positive")
	}
	if dc.AcquireGrace <= 0 {
		return dc, fmt.Errorf("config: sandbox.docker.acquire_grace must be positive")
	}
	return dc, nil
}

// Logger builds the process-wide logger.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

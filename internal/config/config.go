// Package config handles loading, validating, and applying
// configuration for cidermill.  Configuration is read from a YAML file
// and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/alvicsam/cidermill/internal/agentlog"
	"github.com/alvicsam/cidermill/internal/credentials"
	"github.com/alvicsam/cidermill/internal/engine"
	"github.com/alvicsam/cidermill/internal/engine/docker"
	"github.com/alvicsam/cidermill/internal/engine/gcp"
	"github.com/alvicsam/cidermill/internal/engine/tart"
	"github.com/alvicsam/cidermill/internal/otel"
	"github.com/alvicsam/cidermill/internal/pool"
	"github.com/alvicsam/cidermill/internal/remote"
	"github.com/alvicsam/cidermill/internal/remote/sshexec"
	"github.com/alvicsam/cidermill/internal/runner"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	GitHub    GitHubConfig    `yaml:"github"`
	Pool      PoolConfig      `yaml:"pool"`
	VM        VMConfig        `yaml:"vm"`
	Engine    EngineConfig    `yaml:"engine"`
	SSH       SSHConfig       `yaml:"ssh"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Logging   LoggingConfig   `yaml:"logging"`
	OTel      OTelConfig      `yaml:"otel"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	// dir is the directory relative paths are resolved against: the
	// config file's directory, or the working directory without one.
	dir string
}

// ---------------------------------------------------------------------------
// GitHub / auth
// ---------------------------------------------------------------------------

// GitHubConfig holds the GitHub App credentials and the organization
// runners register with.
type GitHubConfig struct {
	AppID          string `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	Org            string `yaml:"org"`

	PrivateKeyPath string `yaml:"private_key_path"`
	// PrivateKey can be set directly (e.g. via CLI flag).  If both
	// PrivateKeyPath and PrivateKey are set, PrivateKey wins.
	PrivateKey string `yaml:"private_key"`

	// APIURL is the REST API root.  Default: "https://api.github.com".
	APIURL string `yaml:"api_url"`

	// WebURL is the web root the org URL is built from.  Default:
	// "https://github.com".
	WebURL string `yaml:"web_url"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig bounds retries of credential HTTP calls.
type RetryConfig struct {
	// Max is the number of retries after the first attempt.  Default: 8.
	Max int `yaml:"max"`
	// WaitMin and WaitMax bound the exponential wait.  Defaults: 1s, 30s.
	WaitMin time.Duration `yaml:"wait_min"`
	WaitMax time.Duration `yaml:"wait_max"`
}

// ---------------------------------------------------------------------------
// Pool
// ---------------------------------------------------------------------------

// PoolConfig sizes the pool and tunes slot supervision.
type PoolConfig struct {
	// Size is the number of concurrent runner VMs.  Default: 1.
	Size int `yaml:"size"`

	// NamePrefix starts every VM name.  Default: "runner".
	NamePrefix string `yaml:"name_prefix"`

	// Labels are attached to every registered runner.  Default: none.
	Labels []string `yaml:"labels"`

	// CleanupTimeout bounds VM deletion.  Default: 5s.
	CleanupTimeout time.Duration `yaml:"cleanup_timeout"`

	// BackoffUnit scales the retry delays after failed lifecycles.
	// Default: 1s.
	BackoffUnit time.Duration `yaml:"backoff_unit"`

	// MaxBackoff caps a single retry delay.  Default: 0 (uncapped).
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// ---------------------------------------------------------------------------
// VM
// ---------------------------------------------------------------------------

// VMConfig describes every runner VM.
type VMConfig struct {
	// Image is the base image cloned for each VM (required).  Its
	// meaning depends on the engine: a tart image, a container image, or
	// a GCE image self-link.
	Image string `yaml:"image"`

	// CPUs per VM.  Default: 4.
	CPUs int `yaml:"cpus"`

	// Memory per VM in MB.  Default: 8192.
	Memory int `yaml:"memory"`

	// User is the remote-login user on the guest.  Default: "admin".
	User string `yaml:"user"`

	// AddressAttempts, AddressWait and AddressInterval bound address
	// resolution.  Defaults: 4, 3s, 1s.
	AddressAttempts int           `yaml:"address_attempts"`
	AddressWait     time.Duration `yaml:"address_wait"`
	AddressInterval time.Duration `yaml:"address_interval"`
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// EngineConfig selects and configures the hypervisor backend.
type EngineConfig struct {
	// Type selects the backend: "tart", "docker" or "gcp".  Default: "tart".
	Type string `yaml:"type"`

	// Tart holds tart settings.  Only read when Type == "tart".
	Tart TartEngineConfig `yaml:"tart"`

	// Docker holds Docker settings.  Only read when Type == "docker".
	Docker DockerEngineConfig `yaml:"docker"`

	// GCP holds GCP Compute Engine settings.  Only read when Type == "gcp".
	GCP GCPEngineConfig `yaml:"gcp"`
}

// TartEngineConfig holds tart-specific engine settings.
type TartEngineConfig struct {
	// Binary is the tart executable.  Default: "tart".
	Binary string `yaml:"binary"`

	// PathFile, when it exists, holds the PATH every tart invocation
	// runs with.  Default: ".path".
	PathFile string `yaml:"path_file"`

	// NoGraphics runs VMs headless.  Default: true.
	NoGraphics *bool `yaml:"no_graphics"`
}

// DockerEngineConfig holds Docker-specific engine settings.
type DockerEngineConfig struct {
	// Command keeps the container alive while the agent runs through
	// exec.  Default: ["sleep", "infinity"].
	Command []string `yaml:"command"`

	// Network to attach containers to.  Default: the daemon's bridge.
	Network string `yaml:"network"`

	// Dind enables Docker-in-Docker by bind-mounting the host's
	// Docker socket into each runner container.
	Dind bool `yaml:"dind"`
}

// GCPEngineConfig holds GCP Compute Engine engine settings.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GCPEngineConfig struct {
	// Project is the GCP project ID (required when engine.type == "gcp").
	Project string `yaml:"project"`

	// Zone is the GCP zone for runner VMs (required).
	Zone string `yaml:"zone"`

	// MachineType overrides the custom type derived from vm.cpus and
	// vm.memory.  Optional.
	MachineType string `yaml:"machine_type"`

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// Network is the VPC network name.  Default: "default".
	Network string `yaml:"network"`

	// Subnet is the subnetwork (optional).
	Subnet string `yaml:"subnet"`

	// PublicIP controls whether runner VMs get an external IP address,
	// which is then used to reach them.  Default: true.  Use a *bool so
	// we can distinguish "not set" from "explicitly set to false".
	PublicIP *bool `yaml:"public_ip"`

	// ServiceAccount is the GCP service account email to attach to
	// runner VMs (optional).
	ServiceAccount string `yaml:"service_account"`

	// PollInterval is how often instance state is polled.  Default: 10s.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ---------------------------------------------------------------------------
// Remote access & bootstrap
// ---------------------------------------------------------------------------

// SSHConfig configures the SSH executor used by the tart and gcp engines.
type SSHConfig struct {
	KeyPath     string        `yaml:"key_path"`
	Password    string        `yaml:"password"`
	Port        int           `yaml:"port"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// BootstrapConfig lists the payload copied into each VM.
type BootstrapConfig struct {
	// Files are copied into RemoteDir.  Default:
	// ["actions-runner.tar.gz", "files/runner-launcher.sh"].
	Files []string `yaml:"files"`

	// Launcher is the base name of the file executed to start the
	// agent.  Default: "runner-launcher.sh".
	Launcher string `yaml:"launcher"`

	// RemoteDir is the directory on the guest.  Default: ".".
	RemoteDir string `yaml:"remote_dir"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry & metrics
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP export is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure *bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`
}

// MetricsConfig controls the local HTTP endpoint.
type MetricsConfig struct {
	// Port serves /metrics and /healthz when > 0.  Default: 0 (off).
	Port int `yaml:"port"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{dir: filepath.Dir(path)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			cfg.dir = ""
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.GitHub.APIURL == "" {
		c.GitHub.APIURL = "https://api.github.com"
	}
	if c.GitHub.WebURL == "" {
		c.GitHub.WebURL = "https://github.com"
	}
	if c.GitHub.Retry.Max == 0 {
		c.GitHub.Retry.Max = 8
	}
	if c.GitHub.Retry.WaitMin == 0 {
		c.GitHub.Retry.WaitMin = time.Second
	}
	if c.GitHub.Retry.WaitMax == 0 {
		c.GitHub.Retry.WaitMax = 30 * time.Second
	}

	if c.Pool.Size == 0 {
		c.Pool.Size = 1
	}
	if c.Pool.NamePrefix == "" {
		c.Pool.NamePrefix = "runner"
	}
	if c.Pool.CleanupTimeout == 0 {
		c.Pool.CleanupTimeout = 5 * time.Second
	}
	if c.Pool.BackoffUnit == 0 {
		c.Pool.BackoffUnit = time.Second
	}

	if c.VM.CPUs == 0 {
		c.VM.CPUs = 4
	}
	if c.VM.Memory == 0 {
		c.VM.Memory = 8192
	}
	if c.VM.User == "" {
		c.VM.User = "admin"
	}
	if c.VM.AddressAttempts == 0 {
		c.VM.AddressAttempts = 4
	}
	if c.VM.AddressWait == 0 {
		c.VM.AddressWait = 3 * time.Second
	}
	if c.VM.AddressInterval == 0 {
		c.VM.AddressInterval = time.Second
	}

	if c.Engine.Type == "" {
		c.Engine.Type = "tart"
	}
	if c.Engine.Tart.Binary == "" {
		c.Engine.Tart.Binary = "tart"
	}
	if c.Engine.Tart.PathFile == "" {
		c.Engine.Tart.PathFile = ".path"
	}
	if c.Engine.Tart.NoGraphics == nil {
		t := true
		c.Engine.Tart.NoGraphics = &t
	}
	if len(c.Engine.Docker.Command) == 0 {
		c.Engine.Docker.Command = []string{"sleep", "infinity"}
	}
	if c.Engine.GCP.DiskSizeGB == 0 {
		c.Engine.GCP.DiskSizeGB = 50
	}
	if c.Engine.GCP.Network == "" {
		c.Engine.GCP.Network = "default"
	}
	if c.Engine.GCP.PublicIP == nil {
		t := true
		c.Engine.GCP.PublicIP = &t
	}
	if c.Engine.GCP.PollInterval == 0 {
		c.Engine.GCP.PollInterval = 10 * time.Second
	}

	if c.SSH.KeyPath == "" && c.SSH.Password == "" {
		c.SSH.KeyPath = "id_rsa"
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.SSH.DialTimeout == 0 {
		c.SSH.DialTimeout = 10 * time.Second
	}

	if len(c.Bootstrap.Files) == 0 {
		c.Bootstrap.Files = []string{"actions-runner.tar.gz", "files/runner-launcher.sh"}
	}
	if c.Bootstrap.Launcher == "" {
		c.Bootstrap.Launcher = "runner-launcher.sh"
	}
	if c.Bootstrap.RemoteDir == "" {
		c.Bootstrap.RemoteDir = "."
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	// Insecure defaults to true for local collectors.
	if c.OTel.Insecure == nil {
		t := true
		c.OTel.Insecure = &t
	}
}

// Validate applies defaults, checks that all required fields are present
// and consistent, and resolves relative paths.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if err := c.validateGitHub(); err != nil {
		return err
	}

	if c.Pool.Size < 1 {
		return fmt.Errorf("pool.size must be at least 1, got %d", c.Pool.Size)
	}
	for i, l := range c.Pool.Labels {
		if strings.TrimSpace(l) == "" {
			return fmt.Errorf("pool.labels[%d] is empty", i)
		}
		if strings.Contains(l, ",") {
			return fmt.Errorf("pool.labels[%d] %q contains a comma", i, l)
		}
	}
	if c.Pool.CleanupTimeout < 0 || c.Pool.BackoffUnit < 0 || c.Pool.MaxBackoff < 0 {
		return fmt.Errorf("pool durations must not be negative")
	}

	if c.VM.Image == "" {
		return fmt.Errorf("vm.image is required")
	}
	if c.VM.CPUs < 1 {
		return fmt.Errorf("vm.cpus must be at least 1, got %d", c.VM.CPUs)
	}
	if c.VM.Memory < 1 {
		return fmt.Errorf("vm.memory must be at least 1 MB, got %d", c.VM.Memory)
	}
	if c.VM.AddressAttempts < 1 {
		return fmt.Errorf("vm.address_attempts must be at least 1, got %d", c.VM.AddressAttempts)
	}

	switch c.Engine.Type {
	case "tart", "docker":
		// OK
	case "gcp":
		if c.Engine.GCP.Project == "" {
			return fmt.Errorf("engine.gcp.project is required when engine.type is \"gcp\"")
		}
		if c.Engine.GCP.Zone == "" {
			return fmt.Errorf("engine.gcp.zone is required when engine.type is \"gcp\"")
		}
	default:
		return fmt.Errorf("engine.type %q is not supported (supported: tart, docker, gcp)", c.Engine.Type)
	}

	if !slices.ContainsFunc(c.Bootstrap.Files, func(f string) bool {
		return filepath.Base(f) == c.Bootstrap.Launcher
	}) {
		return fmt.Errorf("bootstrap.launcher %q is not among bootstrap.files", c.Bootstrap.Launcher)
	}

	c.resolvePaths()
	return nil
}

func (c *Config) validateGitHub() error {
	if c.GitHub.AppID == "" {
		return fmt.Errorf("github.app_id is required")
	}
	if c.GitHub.InstallationID == 0 {
		return fmt.Errorf("github.installation_id is required")
	}
	if c.GitHub.Org == "" {
		return fmt.Errorf("github.org is required")
	}
	if c.GitHub.PrivateKey == "" && c.GitHub.PrivateKeyPath == "" {
		return fmt.Errorf("github.private_key or github.private_key_path is required")
	}
	if _, err := url.ParseRequestURI(c.GitHub.APIURL); err != nil {
		return fmt.Errorf("github.api_url: invalid URL %q: %w", c.GitHub.APIURL, err)
	}
	if _, err := url.ParseRequestURI(c.GitHub.WebURL); err != nil {
		return fmt.Errorf("github.web_url: invalid URL %q: %w", c.GitHub.WebURL, err)
	}
	return nil
}

// resolvePaths makes every relative file path relative to the config
// file's directory.
func (c *Config) resolvePaths() {
	c.GitHub.PrivateKeyPath = c.path(c.GitHub.PrivateKeyPath)
	c.Engine.Tart.PathFile = c.path(c.Engine.Tart.PathFile)
	c.SSH.KeyPath = c.path(c.SSH.KeyPath)
	for i, f := range c.Bootstrap.Files {
		c.Bootstrap.Files[i] = c.path(f)
	}
}

// OverridePrivateKeyPath sets the App key path from a command-line flag.
// A relative p is taken relative to the working directory rather than the
// config file's directory.
func (c *Config) OverridePrivateKeyPath(p string) error {
	abs, err := filepath.Abs(p)
	if err != nil {
		return fmt.Errorf("resolving private key path %q: %w", p, err)
	}
	c.GitHub.PrivateKeyPath = abs
	return nil
}

func (c *Config) path(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// CheckBootstrap verifies that every payload file exists and is a regular
// file.
func (c *Config) CheckBootstrap() error {
	for _, f := range c.Bootstrap.Files {
		info, err := os.Stat(f)
		if err != nil {
			return fmt.Errorf("bootstrap file: %w", err)
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("bootstrap file %s is not a regular file", f)
		}
	}
	return nil
}

// OrgURL is the organization URL handed to the runner agent.
func (c *Config) OrgURL() string {
	return strings.TrimSuffix(c.GitHub.WebURL, "/") + "/" + c.GitHub.Org
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration that
// writes to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	case "text":
		return slog.New(slog.NewTextHandler(w, opts))
	default:
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// resolvePrivateKey reads the private key from PrivateKeyPath if
// PrivateKey is not already set.
func (c *Config) resolvePrivateKey() error {
	if c.GitHub.PrivateKey != "" || c.GitHub.PrivateKeyPath == "" {
		return nil
	}
	data, err := os.ReadFile(c.GitHub.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("reading private key from %s: %w", c.GitHub.PrivateKeyPath, err)
	}
	c.GitHub.PrivateKey = string(data)
	return nil
}

// NewCredentialSource creates the registration token source.
func (c *Config) NewCredentialSource(logger *slog.Logger) (*credentials.Source, error) {
	if err := c.resolvePrivateKey(); err != nil {
		return nil, err
	}
	return credentials.New(credentials.Config{
		AppID:          c.GitHub.AppID,
		InstallationID: c.GitHub.InstallationID,
		Org:            c.GitHub.Org,
		PrivateKey:     []byte(c.GitHub.PrivateKey),
		APIURL:         c.GitHub.APIURL,
		RetryMax:       c.GitHub.Retry.Max,
		RetryWaitMin:   c.GitHub.Retry.WaitMin,
		RetryWaitMax:   c.GitHub.Retry.WaitMax,
	}, logger.WithGroup("credentials"))
}

// NewEngine creates the hypervisor engine selected by engine.type.
func (c *Config) NewEngine(ctx context.Context, logger *slog.Logger) (engine.Engine, error) {
	switch c.Engine.Type {
	case "tart":
		env, err := tart.ResolveEnv(c.Engine.Tart.PathFile, os.Environ())
		if err != nil {
			return nil, err
		}
		return tart.New(tart.Config{
			Binary:     c.Engine.Tart.Binary,
			Env:        env,
			NoGraphics: *c.Engine.Tart.NoGraphics,
		}, logger.WithGroup("engine.tart")), nil
	case "docker":
		return docker.New(ctx, docker.Config{
			Image:   c.VM.Image,
			Command: c.Engine.Docker.Command,
			Network: c.Engine.Docker.Network,
			Dind:    c.Engine.Docker.Dind,
		}, logger.WithGroup("engine.docker"))
	case "gcp":
		keys, err := c.gcpSSHKeys()
		if err != nil {
			return nil, err
		}
		return gcp.New(ctx, gcp.Config{
			Project:        c.Engine.GCP.Project,
			Zone:           c.Engine.GCP.Zone,
			MachineType:    c.Engine.GCP.MachineType,
			DiskSizeGB:     c.Engine.GCP.DiskSizeGB,
			Network:        c.Engine.GCP.Network,
			Subnet:         c.Engine.GCP.Subnet,
			PublicIP:       *c.Engine.GCP.PublicIP,
			ServiceAccount: c.Engine.GCP.ServiceAccount,
			SSHKeys:        keys,
			PollInterval:   c.Engine.GCP.PollInterval,
		}, logger.WithGroup("engine.gcp"))
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", c.Engine.Type)
	}
}

// gcpSSHKeys derives the ssh-keys metadata entry that authorizes the SSH
// key on new instances.
func (c *Config) gcpSSHKeys() (string, error) {
	if c.SSH.KeyPath == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.SSH.KeyPath)
	if err != nil {
		return "", fmt.Errorf("reading ssh key %s: %w", c.SSH.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return "", fmt.Errorf("parsing ssh key %s: %w", c.SSH.KeyPath, err)
	}
	pub := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
	return c.VM.User + ":" + pub, nil
}

// NewExecutor creates the remote executor matching eng: docker exec for
// containers, SSH otherwise.
func (c *Config) NewExecutor(eng engine.Engine, logger *slog.Logger) (remote.Executor, error) {
	if d, ok := eng.(*docker.Engine); ok {
		return docker.NewExecutor(d), nil
	}
	return sshexec.New(sshexec.Config{
		KeyPath:     c.SSH.KeyPath,
		Password:    c.SSH.Password,
		Port:        c.SSH.Port,
		DialTimeout: c.SSH.DialTimeout,
	}, logger.WithGroup("ssh"))
}

// RunnerConfig assembles the lifecycle configuration shared by every
// slot.
func (c *Config) RunnerConfig(
	eng engine.Engine,
	exec remote.Executor,
	tokens runner.TokenSource,
	sink *agentlog.Sink,
	logger *slog.Logger,
) runner.Config {
	labels := make([]string, len(c.Pool.Labels))
	for i, l := range c.Pool.Labels {
		labels[i] = strings.TrimSpace(l)
	}
	return runner.Config{
		Engine:          eng,
		Executor:        exec,
		Tokens:          tokens,
		Sink:            sink,
		Logger:          logger,
		Image:           c.VM.Image,
		CPUs:            c.VM.CPUs,
		MemoryMB:        c.VM.Memory,
		NamePrefix:      c.Pool.NamePrefix,
		User:            c.VM.User,
		OrgURL:          c.OrgURL(),
		Labels:          labels,
		BootstrapFiles:  c.Bootstrap.Files,
		Launcher:        c.Bootstrap.Launcher,
		RemoteDir:       c.Bootstrap.RemoteDir,
		AddressAttempts: c.VM.AddressAttempts,
		AddressWait:     c.VM.AddressWait,
		AddressInterval: c.VM.AddressInterval,
		CleanupTimeout:  c.Pool.CleanupTimeout,
	}
}

// PoolConfig assembles the pool configuration.
func (c *Config) PoolConfig(l pool.Launcher, coord pool.Coordinator, logger *slog.Logger) pool.Config {
	return pool.Config{
		Size:        c.Pool.Size,
		Launcher:    l,
		Coordinator: coord,
		Logger:      logger,
		BackoffUnit: c.Pool.BackoffUnit,
		MaxBackoff:  c.Pool.MaxBackoff,
	}
}

// OTelSDKConfig maps the otel and metrics sections onto the SDK setup.
func (c *Config) OTelSDKConfig() otel.Config {
	return otel.Config{
		Enabled:        c.OTel.Enabled,
		Endpoint:       c.OTel.Endpoint,
		Insecure:       c.OTel.Insecure != nil && *c.OTel.Insecure,
		StdOut:         c.OTel.StdOut,
		PrometheusPort: c.Metrics.Port,
	}
}

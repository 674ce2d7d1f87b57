package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// ("30s", "500ms") or bare numbers of seconds.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// Config is the top-level agent configuration loaded from agent.yaml.
type Config struct {
	Version string       `yaml:"version"`
	API     APIConfig    `yaml:"api,omitempty"`
	Log     LogConfig    `yaml:"log,omitempty"`
	Kernel  KernelConfig `yaml:"kernel"`
	Docker  DockerConfig `yaml:"docker,omitempty"`
}

// APIConfig configures the JSON-RPC surface.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr,omitempty"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// KernelConfig configures the per-session kernel channel.
type KernelConfig struct {
	// ReplInAddr and ReplOutAddr are the kernel's command and output
	// endpoints (ws:// URLs). When Docker provisioning is enabled these
	// are discovered from the container's port bindings instead.
	ReplInAddr  string `yaml:"repl_in_addr,omitempty"`
	ReplOutAddr string `yaml:"repl_out_addr,omitempty"`

	// ExecTimeout bounds one execution; zero disables the watchdog.
	ExecTimeout Duration `yaml:"exec_timeout,omitempty"`
	// FlushTimeout is the default continuation-poll flush window.
	FlushTimeout Duration `yaml:"flush_timeout,omitempty"`
	// ClientFeatures advertises client capabilities ("input", "continuation").
	ClientFeatures []string `yaml:"client_features,omitempty"`
}

// DockerConfig configures container-backed kernel provisioning.
type DockerConfig struct {
	Enabled bool              `yaml:"enabled,omitempty"`
	Image   string            `yaml:"image,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	// ReplInPort and ReplOutPort are the container-side REPL ports whose
	// host bindings become the channel addresses.
	ReplInPort  int `yaml:"repl_in_port,omitempty"`
	ReplOutPort int `yaml:"repl_out_port,omitempty"`
}

// Defaults applied by Load when fields are unset.
const (
	DefaultListenAddr   = "127.0.0.1:6001"
	DefaultFlushTimeout = Duration(2 * time.Second)
	DefaultReplInPort   = 2000
	DefaultReplOutPort  = 2001
)

// DefaultClientFeatures matches the features the manager advertises for
// interactive sessions.
var DefaultClientFeatures = []string{"input", "continuation"}

// Load reads, parses, and validates a config file, applying defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses and validates raw YAML config bytes, applying defaults.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = DefaultListenAddr
	}
	if c.Kernel.FlushTimeout == 0 {
		c.Kernel.FlushTimeout = DefaultFlushTimeout
	}
	if len(c.Kernel.ClientFeatures) == 0 {
		c.Kernel.ClientFeatures = append([]string(nil), DefaultClientFeatures...)
	}
	if c.Docker.ReplInPort == 0 {
		c.Docker.ReplInPort = DefaultReplInPort
	}
	if c.Docker.ReplOutPort == 0 {
		c.Docker.ReplOutPort = DefaultReplOutPort
	}
}

// Validate checks invariants that Load cannot default away.
func (c *Config) Validate() error {
	if c.Kernel.ExecTimeout < 0 {
		return fmt.Errorf("kernel.exec_timeout must be zero or positive, got %s", c.Kernel.ExecTimeout)
	}
	if c.Kernel.FlushTimeout <= 0 {
		return fmt.Errorf("kernel.flush_timeout must be positive, got %s", c.Kernel.FlushTimeout)
	}
	if c.Docker.Enabled {
		if c.Docker.Image == "" {
			return fmt.Errorf("docker.image is required when docker provisioning is enabled")
		}
		if c.Docker.ReplInPort == c.Docker.ReplOutPort {
			return fmt.Errorf("docker repl ports must differ, both are %d", c.Docker.ReplInPort)
		}
	} else {
		if c.Kernel.ReplInAddr == "" || c.Kernel.ReplOutAddr == "" {
			return fmt.Errorf("kernel.repl_in_addr and kernel.repl_out_addr are required without docker provisioning")
		}
	}
	return nil
}

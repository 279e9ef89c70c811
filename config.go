package configmonitor

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/1261385937/config-monitor/backend"
	"github.com/1261385937/config-monitor/filebackend"
	"github.com/1261385937/config-monitor/zkbackend"
)

// Backend names accepted in Config.Backend.
const (
	BackendZooKeeper = "zookeeper"
	BackendFile      = "file"
)

const defaultSessionTimeout = 10 * time.Second

// Config selects and configures the backend of a Monitor.
type Config struct {
	Backend   string          `yaml:"backend"`
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`
	File      FileConfig      `yaml:"file"`
}

// ZooKeeperConfig ...
type ZooKeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"session_timeout"`

	// digest credential
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// FileConfig ...
type FileConfig struct {
	Root         string        `yaml:"root"`
	PollInterval time.Duration `yaml:"poll_interval"`
	FSNotify     *bool         `yaml:"fsnotify"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(file string) (*Config, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", file, err)
	}
	conf, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", file, err)
	}
	return conf, nil
}

// ParseConfig decodes and validates YAML config data.
func ParseConfig(data []byte) (*Config, error) {
	var conf Config
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	conf.Backend = strings.ToLower(strings.TrimSpace(conf.Backend))
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Validate checks the fields needed by the selected backend.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendZooKeeper:
		if len(c.ZooKeeper.Servers) == 0 {
			return backend.NewError(backend.CodeInvalidArgument, "zookeeper.servers is empty")
		}
		if c.ZooKeeper.SessionTimeout < 0 {
			return backend.NewError(backend.CodeInvalidArgument, "zookeeper.session_timeout is negative")
		}
		if c.ZooKeeper.User == "" && c.ZooKeeper.Password != "" {
			return backend.NewError(backend.CodeInvalidArgument, "zookeeper.password without zookeeper.user")
		}
		return nil

	case BackendFile:
		if c.File.Root == "" {
			return backend.NewError(backend.CodeInvalidArgument, "file.root is empty")
		}
		return nil

	default:
		return backend.NewError(backend.CodeInvalidArgument, "unknown backend: %q", c.Backend)
	}
}

// NewBackend creates the configured backend, logger may be nil.
func (c *Config) NewBackend(logger backend.Logger) (backend.Backend, error) {
	switch c.Backend {
	case BackendZooKeeper:
		return c.newZooKeeperBackend(logger)

	case BackendFile:
		var opts []filebackend.Option
		if logger != nil {
			opts = append(opts, filebackend.WithLogger(logger))
		}
		if c.File.PollInterval > 0 {
			opts = append(opts, filebackend.WithPollInterval(c.File.PollInterval))
		}
		if c.File.FSNotify != nil {
			opts = append(opts, filebackend.WithFSNotify(*c.File.FSNotify))
		}
		return filebackend.New(c.File.Root, opts...), nil

	default:
		return nil, c.Validate()
	}
}

func (c *Config) newZooKeeperBackend(logger backend.Logger) (backend.Backend, error) {
	zc := c.ZooKeeper

	var opts []zkbackend.Option
	if logger != nil {
		opts = append(opts, zkbackend.WithLogger(logger))
	}
	if zc.User != "" {
		opts = append(opts, zkbackend.WithDigestCredential(zc.User, zc.Password))
	}
	if zc.CAFile != "" || zc.CertFile != "" || zc.KeyFile != "" {
		tlsConfig, err := zkbackend.LoadTLSConfig(zc.CAFile, zc.CertFile, zc.KeyFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, zkbackend.WithTLSConfig(tlsConfig))
	}

	timeout := zc.SessionTimeout
	if timeout == 0 {
		timeout = defaultSessionTimeout
	}
	return zkbackend.New(zc.Servers, timeout, opts...), nil
}

// NewFromConfig loads the config file and creates a Monitor on the configured backend.
// The Monitor is not initialized.
func NewFromConfig(file string, options ...Option) (*Monitor, error) {
	conf, err := LoadConfig(file)
	if err != nil {
		return nil, err
	}

	opts := monitorOptions{}
	for _, fn := range options {
		fn(&opts)
	}

	b, err := conf.NewBackend(opts.logger)
	if err != nil {
		return nil, err
	}
	return New(b, options...), nil
}

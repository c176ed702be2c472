package config

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"carbonetl/internal/types"
)

// ConnectionConfig is the set of keys needed to open a PostgreSQL
// connection. It mirrors the conn.yaml document: host, user, database,
// password, port.
type ConnectionConfig struct {
	Host     string       `yaml:"host" validate:"required"`
	User     string       `yaml:"user" validate:"required"`
	Database string       `yaml:"database" validate:"required"`
	Password SecretString `yaml:"password"`
	Port     int          `yaml:"port" validate:"required,min=1,max=65535"`
}

// ConnString renders the settings as a postgres:// URL with every component
// escaped.
func (c ConnectionConfig) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	if c.Password.IsEmpty() {
		u.User = url.User(c.User)
	} else {
		u.User = url.UserPassword(c.User, c.Password.Unmask())
	}
	return u.String()
}

// invalid classifies a connection settings failure as config_invalid while
// keeping the ConfigError in the chain.
func invalid(cfgErr *ConfigError) error {
	return types.NewAppError(types.ErrCodeConfigInvalid, cfgErr.Message, cfgErr)
}

// Validate checks that every mandatory key is present.
func (c ConnectionConfig) Validate() error {
	return validator.New().Struct(c)
}

// ConnectionProvider supplies database connection settings. It is consulted
// once per connection attempt, so file-backed providers pick up edits
// between runs.
type ConnectionProvider interface {
	Connection(ctx context.Context) (ConnectionConfig, error)
}

// YAMLFileProvider reads connection settings from a YAML document on disk.
type YAMLFileProvider struct {
	path string
}

// NewYAMLFileProvider creates a provider that reads path on every call.
func NewYAMLFileProvider(path string) *YAMLFileProvider {
	return &YAMLFileProvider{path: path}
}

// Connection reads and validates the YAML connection file.
func (p *YAMLFileProvider) Connection(_ context.Context) (ConnectionConfig, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return ConnectionConfig{}, invalid(&ConfigError{
			Type:    ErrConnFile,
			Message: fmt.Sprintf("failed to read connection file %s", p.path),
			Err:     err,
		})
	}

	var cc ConnectionConfig
	if err := yaml.Unmarshal(data, &cc); err != nil {
		return ConnectionConfig{}, invalid(&ConfigError{
			Type:    ErrConnFile,
			Message: fmt.Sprintf("failed to decode connection file %s", p.path),
			Err:     err,
		})
	}

	if err := cc.Validate(); err != nil {
		return ConnectionConfig{}, invalid(&ConfigError{
			Type:    ErrValidation,
			Message: fmt.Sprintf("connection file %s is incomplete", p.path),
			Err:     err,
		})
	}
	return cc, nil
}

// StaticConnectionProvider serves settings that were resolved at startup
// from the environment (and SSM).
type StaticConnectionProvider struct {
	cc ConnectionConfig
}

// NewStaticConnectionProvider creates a provider for fixed settings.
func NewStaticConnectionProvider(cc ConnectionConfig) *StaticConnectionProvider {
	return &StaticConnectionProvider{cc: cc}
}

// Connection returns the fixed settings after validating them.
func (p *StaticConnectionProvider) Connection(_ context.Context) (ConnectionConfig, error) {
	if err := p.cc.Validate(); err != nil {
		return ConnectionConfig{}, invalid(&ConfigError{
			Type:    ErrValidation,
			Message: "database connection settings are incomplete",
			Err:     err,
		})
	}
	return p.cc, nil
}

// NewConnectionProvider picks the connection source for cfg: the YAML file
// when DB_CONN_FILE is set, the DB_* variables otherwise.
func NewConnectionProvider(cfg DatabaseConfig) ConnectionProvider {
	if cfg.ConnFile != "" {
		return NewYAMLFileProvider(cfg.ConnFile)
	}
	return NewStaticConnectionProvider(ConnectionConfig{
		Host:     cfg.Host,
		User:     cfg.User,
		Database: cfg.Name,
		Password: cfg.Password,
		Port:     cfg.Port,
	})
}

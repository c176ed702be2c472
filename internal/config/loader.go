// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone; the pipeline derives calendar fields from UTC timestamps.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. If APP_ENV != "local", resolve _SSM_PARAM pointer variables via the
//     SecretProvider and inject the resolved values into the environment.
//  4. Use envconfig to populate the Config struct.
//  5. Populate BuildInfo from linker-injected variables.
//  6. Validate the struct and the cross-field loader rules.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is the diagnostic error returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks pointer variables: DB_PASSWORD_SSM_PARAM holds the SSM
// path whose value becomes DB_PASSWORD.
const ssmParamSuffix = "_SSM_PARAM"

const localEnv = "local"

// loaderDeps holds the injectable environment accessors so tests do not touch
// process state beyond t.Setenv.
type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
	}
}

// LoadConfig loads and validates the configuration. provider may be nil in
// local mode; outside local mode it is required only when _SSM_PARAM
// variables are present.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// Does not override variables already present in the environment.
	_ = godotenv.Load()

	appEnv, _ := deps.lookupEnv("APP_ENV")
	if appEnv != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	if err := validateLoaders(&cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "loader configuration invalid",
			Err:     err,
		}
	}

	return &cfg, nil
}

// validateLoaders enforces the rules the struct tags cannot express: at
// least one loader is enabled, and an enabled database loader has either a
// connection file or the user and database name.
func validateLoaders(cfg *Config) error {
	if !cfg.Database.Enabled && !cfg.CSV.Enabled {
		return errors.New("at least one of DB_ENABLED or CSV_ENABLED must be true")
	}
	if cfg.Database.Enabled && cfg.Database.ConnFile == "" {
		var missing []string
		if cfg.Database.User == "" {
			missing = append(missing, "DB_USER")
		}
		if cfg.Database.Name == "" {
			missing = append(missing, "DB_NAME")
		}
		if len(missing) > 0 {
			return fmt.Errorf("database loader enabled without DB_CONN_FILE; missing %s", strings.Join(missing, ", "))
		}
	}
	return nil
}

// resolveSSMParams scans the environment for *_SSM_PARAM variables, fetches
// the referenced values in one batch, and sets the target variables. A target
// that is already set is left alone (Env > SSM).
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	ssmPathToTarget := make(map[string]string)
	var ssmPaths []string

	for _, envEntry := range deps.environ() {
		eqIdx := strings.IndexByte(envEntry, '=')
		if eqIdx < 0 {
			continue
		}
		key := envEntry[:eqIdx]
		if !strings.HasSuffix(key, ssmParamSuffix) {
			continue
		}

		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}

		ssmPath := envEntry[eqIdx+1:]
		if ssmPath == "" {
			continue
		}

		ssmPaths = append(ssmPaths, ssmPath)
		ssmPathToTarget[ssmPath] = target
	}

	if len(ssmPaths) == 0 {
		return nil
	}

	if provider == nil {
		targets := make([]string, 0, len(ssmPaths))
		for _, p := range ssmPaths {
			targets = append(targets, ssmPathToTarget[p])
		}
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SecretProvider is required for non-local environments (need to resolve: %s)", strings.Join(targets, ", ")),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, ssmPaths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(ssmPaths)),
			Err:     err,
		}
	}

	var missing []string
	for _, p := range ssmPaths {
		value, ok := resolved[p]
		if !ok {
			missing = append(missing, ssmPathToTarget[p])
			continue
		}
		if err := deps.setEnv(ssmPathToTarget[p], value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", ssmPathToTarget[p]),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}

	return nil
}

package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is a diagnostic error type returned by LoadConfig to aid debugging.
// It wraps a ConfigErrorType and an underlying error message.
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

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// secretRefSuffix marks a variable holding a reference to a secret rather
// than the secret itself: STRIPE_SECRET_KEY_FILE=/run/secrets/stripe fills
// STRIPE_SECRET_KEY.
const secretRefSuffix = "_FILE"

// localEnv is the APP_ENV value that allows an unauthenticated API.
const localEnv = "local"

// loaderDeps holds the environment accessors so tests need not mutate
// process state.
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

// LoadConfig loads and validates the server configuration.
//
// It performs the following steps in order:
//  1. Sets the process timezone to UTC.
//  2. Loads a .env file if present (non-fatal if missing).
//  3. Resolves _FILE secret references through provider and injects the
//     values into the environment.
//  4. Processes envconfig tags to populate the Config struct.
//  5. Populates Config.Build from linker-injected variables.
//  6. Validates the Config struct.
//
// provider may be nil when no _FILE references are present.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// godotenv.Load does not override variables already set.
	_ = godotenv.Load()

	if err := resolveSecretRefs(provider, deps); err != nil {
		return nil, err
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
	if cfg.Environment != localEnv && !cfg.Security.APITokenHash.IsSet() {
		return nil, &ConfigError{
			Type:    ErrMissingEnv,
			Message: "API_TOKEN_HASH is required outside local environments",
		}
	}

	return &cfg, nil
}

// LoadWorkerConfig loads the webhook worker configuration, resolving _FILE
// secret references first so DATABASE_URL can come from a mounted secret.
func LoadWorkerConfig(provider SecretProvider) (*WorkerConfig, error) {
	time.Local = time.UTC
	if err := resolveSecretRefs(provider, defaultDeps()); err != nil {
		return nil, err
	}

	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process worker configuration",
			Err:     err,
		}
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "worker configuration validation failed",
			Err:     err,
		}
	}
	return &cfg, nil
}

// LoadPurchaseConfig loads the device-side engine configuration. It reads
// .env like LoadConfig but never resolves secret references.
func LoadPurchaseConfig() (*PurchaseConfig, error) {
	_ = godotenv.Load()

	var cfg PurchaseConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process purchase configuration",
			Err:     err,
		}
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "purchase configuration validation failed",
			Err:     err,
		}
	}
	return &cfg, nil
}

// ResolveSecrets runs only the secret reference step, for entry points
// that read individual variables with os.Getenv.
func ResolveSecrets(provider SecretProvider) error {
	return resolveSecretRefs(provider, defaultDeps())
}

// resolveSecretRefs fills every X from its X_FILE reference unless X is
// already set. Priority: OS Environment > Dotenv > secret reference.
func resolveSecretRefs(provider SecretProvider, deps loaderDeps) error {
	targets := make(map[string]string) // ref -> target variable
	for _, entry := range deps.environ() {
		key, ref, ok := strings.Cut(entry, "=")
		if !ok || ref == "" || !strings.HasSuffix(key, secretRefSuffix) {
			continue
		}
		target := strings.TrimSuffix(key, secretRefSuffix)
		if _, set := deps.lookupEnv(target); set {
			continue
		}
		targets[ref] = target
	}
	if len(targets) == 0 {
		return nil
	}

	refs := make([]string, 0, len(targets))
	for ref := range targets {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	if provider == nil {
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("a SecretProvider is required to resolve %d secret references", len(refs)),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved, err := provider.Resolve(ctx, refs)
	if err != nil {
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("failed to resolve %d secret references", len(refs)),
			Err:     err,
		}
	}

	var missing []string
	for _, ref := range refs {
		value, ok := resolved[ref]
		if !ok {
			missing = append(missing, targets[ref])
			continue
		}
		if err := deps.setEnv(targets[ref], value); err != nil {
			return &ConfigError{
				Type:    ErrSecretResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", targets[ref]),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("secret references not found for: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}

// NewLogger creates the JSON slog.Logger used by every binary.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

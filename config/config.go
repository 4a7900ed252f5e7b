// Package config loads client settings from the environment, an optional
// .env file, or a YAML file.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "ONELOGIN_"

const (
	DefaultEnvironment          = "production"
	DefaultRefreshBufferSeconds = 60
	DefaultPendingTTLSeconds    = 300
	DefaultKeyringService       = "onelogin"
)

// Store backend kinds.
const (
	StoreFile    = "file"
	StoreKeyring = "keyring"
	StoreMemory  = "memory"
)

// Endpoint is one environment's provider endpoints. Either Issuer (for
// discovery) or both AuthURL and TokenURL must be set.
type Endpoint struct {
	Issuer   string `yaml:"issuer,omitempty"`
	AuthURL  string `yaml:"auth-url,omitempty"`
	TokenURL string `yaml:"token-url,omitempty"`
}

// StoreConfig selects where tokens, the pending attempt and the session are
// kept.
type StoreConfig struct {
	Kind    string `yaml:"kind"`
	Dir     string `yaml:"dir,omitempty"`
	Service string `yaml:"service,omitempty"`
	KeyID   string `yaml:"key-id,omitempty"`
	// Key is a base64 (standard or URL alphabet) 32-byte key.
	Key string `yaml:"key,omitempty"`
}

// Config is the client configuration.
type Config struct {
	ClientID     string              `yaml:"client-id"`
	RedirectURI  string              `yaml:"redirect-uri"`
	Scopes       []string            `yaml:"scopes"`
	Prompt       string              `yaml:"prompt,omitempty"`
	Environment  string              `yaml:"environment"`
	Environments map[string]Endpoint `yaml:"environments"`

	RefreshBufferSeconds int `yaml:"refresh-buffer-seconds"`
	PendingTTLSeconds    int `yaml:"pending-ttl-seconds"`

	Provider   string      `yaml:"provider"`
	BackendURL string      `yaml:"backend-url,omitempty"`
	Store      StoreConfig `yaml:"store"`
	LogLevel   string      `yaml:"log-level,omitempty"`
}

// Default returns a Config with defaults and no environments.
func Default() *Config {
	return &Config{
		Scopes:               []string{oidc.ScopeOpenID, "profile", "email"},
		Environment:          DefaultEnvironment,
		Environments:         map[string]Endpoint{},
		RefreshBufferSeconds: DefaultRefreshBufferSeconds,
		PendingTTLSeconds:    DefaultPendingTTLSeconds,
		Store: StoreConfig{
			Kind:    StoreFile,
			Service: DefaultKeyringService,
			KeyID:   "k1",
		},
		LogLevel: "info",
	}
}

// Load reads envFiles (default ".env") into the process environment and
// builds a Config from it. Missing .env files are ignored. When
// ONELOGIN_CONFIG names a YAML file it is loaded first and environment
// variables override it.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load env file: %w", err)
	}

	cfg := Default()
	if path := os.Getenv(EnvPrefix + "CONFIG"); path != "" {
		var err error
		if cfg, err = readFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML config from path and validates it.
func LoadFile(path string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Environments == nil {
		cfg.Environments = map[string]Endpoint{}
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(EnvPrefix + name)); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v := strings.TrimSpace(getenv(EnvPrefix + name))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
		return nil
	}

	str("CLIENT_ID", &c.ClientID)
	str("REDIRECT_URI", &c.RedirectURI)
	str("PROMPT", &c.Prompt)
	str("ENVIRONMENT", &c.Environment)
	str("PROVIDER", &c.Provider)
	str("BACKEND_URL", &c.BackendURL)
	str("LOG_LEVEL", &c.LogLevel)
	str("STORE_KIND", &c.Store.Kind)
	str("STORE_DIR", &c.Store.Dir)
	str("STORE_SERVICE", &c.Store.Service)
	str("STORE_KEY_ID", &c.Store.KeyID)
	str("STORE_KEY", &c.Store.Key)
	if v := getenv(EnvPrefix + "SCOPES"); strings.TrimSpace(v) != "" {
		c.Scopes = strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	}
	if err := num("REFRESH_BUFFER_SECONDS", &c.RefreshBufferSeconds); err != nil {
		return err
	}
	if err := num("PENDING_TTL_SECONDS", &c.PendingTTLSeconds); err != nil {
		return err
	}

	// Endpoint variables describe the selected environment.
	ep := c.Environments[c.Environment]
	str("ISSUER", &ep.Issuer)
	str("AUTH_URL", &ep.AuthURL)
	str("TOKEN_URL", &ep.TokenURL)
	if ep != (Endpoint{}) {
		if c.Environments == nil {
			c.Environments = map[string]Endpoint{}
		}
		c.Environments[c.Environment] = ep
	}
	return nil
}

// Validate checks the configuration. Placeholder client ids are left to the
// authenticator, which reports them when a login starts.
func (c *Config) Validate() error {
	u, err := url.Parse(c.RedirectURI)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("config: redirect-uri %q must be an absolute uri", c.RedirectURI)
	}
	if !slices.Contains(c.Scopes, oidc.ScopeOpenID) {
		return fmt.Errorf("config: scopes must include %q", oidc.ScopeOpenID)
	}
	if c.RefreshBufferSeconds < 0 {
		return errors.New("config: refresh-buffer-seconds must not be negative")
	}
	if c.PendingTTLSeconds <= 0 {
		return errors.New("config: pending-ttl-seconds must be positive")
	}
	ep, ok := c.Environments[c.Environment]
	if !ok {
		return fmt.Errorf("config: unknown environment %q", c.Environment)
	}
	if ep.Issuer == "" && (ep.AuthURL == "" || ep.TokenURL == "") {
		return fmt.Errorf("config: environment %q needs an issuer or both auth-url and token-url", c.Environment)
	}
	if c.BackendURL != "" {
		if b, err := url.Parse(c.BackendURL); err != nil || b.Scheme == "" || b.Host == "" {
			return fmt.Errorf("config: invalid backend-url %q", c.BackendURL)
		}
		if c.Provider == "" {
			return errors.New("config: provider is required with backend-url")
		}
	}
	switch c.Store.Kind {
	case StoreFile, StoreKeyring, StoreMemory:
	default:
		return fmt.Errorf("config: unknown store kind %q", c.Store.Kind)
	}
	if c.Store.Key != "" {
		if _, err := c.StoreKey(); err != nil {
			return err
		}
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// RefreshBuffer returns the refresh buffer as a duration.
func (c *Config) RefreshBuffer() time.Duration {
	return time.Duration(c.RefreshBufferSeconds) * time.Second
}

// PendingTTL returns the pending attempt lifetime as a duration.
func (c *Config) PendingTTL() time.Duration {
	return time.Duration(c.PendingTTLSeconds) * time.Second
}

// Level returns the configured log level, or Info if it does not parse.
func (c *Config) Level() logrus.Level {
	l, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return l
}

// StoreKey decodes Store.Key. It returns nil, nil when no key is configured.
func (c *Config) StoreKey() ([]byte, error) {
	if c.Store.Key == "" {
		return nil, nil
	}
	var key []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if key, err = enc.DecodeString(c.Store.Key); err == nil {
			break
		}
	}
	if err != nil {
		return nil, errors.New("config: store key is not valid base64")
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("config: store key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// StoreDir returns Store.Dir, defaulting to a directory under the user's
// config dir.
func (c *Config) StoreDir() (string, error) {
	if c.Store.Dir != "" {
		return c.Store.Dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: %w", err)
	}
	return filepath.Join(base, "onelogin"), nil
}

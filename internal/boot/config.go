package boot

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sethvargo/go-envconfig"
	"uk.co.dudmesh.courier/internal/model"
)

const (
	TransportLoopback = "loopback"
	TransportWhatsApp = "whatsapp"
)

type Config struct {
	Env      string `env:"ENV,default=dev"`
	DataDir  string `env:"DATA_DIR,default=./data"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
	Server   struct {
		Port            string        `env:"PORT,default=8080"`
		MetricsPort     string        `env:"METRICS_PORT,default=8081"`
		Origins         string        `env:"ALLOWED_ORIGINS,default=*"`
		ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
	}
	Auth struct {
		Enabled        bool          `env:"AUTH_ENABLED,default=true"`
		TokenTTL       time.Duration `env:"TOKEN_TTL,default=24h"`
		SigningKeyFile string        `env:"SIGNING_KEY_FILE"`
		Passphrase     string        `env:"SIGNING_KEY_PASSPHRASE"`
		AllowSignup    bool          `env:"ALLOW_SIGNUP,default=false"`
		BootstrapUser  string        `env:"BOOTSTRAP_USERNAME"`
		BootstrapPass  string        `env:"BOOTSTRAP_PASSWORD"`
	}
	Transport struct {
		Kind          string `env:"TRANSPORT,default=loopback"`
		WhatsAppStore string `env:"WHATSAPP_STORE"`
		LogoutOnClose bool   `env:"WHATSAPP_LOGOUT_ON_CLOSE,default=false"`
	}
	Dispatch struct {
		RetryBackoff time.Duration `env:"DISPATCH_RETRY_BACKOFF,default=1s"`
		DefaultsFile string        `env:"SESSION_DEFAULTS_FILE"`
	}
}

func Load() (*Config, error) {
	return LoadWith(context.Background(), envconfig.OsLookuper())
}

// LoadWith reads the configuration from lookuper, so tests can supply a map.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	config := &Config{}
	if err := envconfig.ProcessWith(ctx, config, lookuper); err != nil {
		return nil, fmt.Errorf("parsing env vars: %w", err)
	}
	switch config.Transport.Kind {
	case TransportLoopback, TransportWhatsApp:
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", model.ErrorInvalidConfiguration, config.Transport.Kind)
	}
	return config, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "prod"
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "dev"
}

func (c *Config) DataDirectory() string {
	return c.DataDir
}

func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "courier.db")
}

func (c *Config) WhatsAppStorePath() string {
	if c.Transport.WhatsAppStore != "" {
		return c.Transport.WhatsAppStore
	}
	return filepath.Join(c.DataDir, "whatsapp.db")
}

func (c *Config) SigningKeyPath() string {
	if c.Auth.SigningKeyFile != "" {
		return c.Auth.SigningKeyFile
	}
	return filepath.Join(c.DataDir, "signing-key.json")
}

// AllowedOrigins splits the comma separated origin list.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.Server.Origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// SessionDefaults returns the built-in defaults overlaid with any values set
// in the TOML defaults file.
func (c *Config) SessionDefaults() (model.SessionDefaults, error) {
	defaults := model.DefaultSessionDefaults()
	if c.Dispatch.DefaultsFile == "" {
		return defaults, nil
	}
	if _, err := toml.DecodeFile(c.Dispatch.DefaultsFile, &defaults); err != nil {
		return model.SessionDefaults{}, fmt.Errorf("reading session defaults: %w", err)
	}
	switch defaults.TargetKind {
	case model.TargetKindIndividual, model.TargetKindGroup:
	default:
		return model.SessionDefaults{}, fmt.Errorf("%w: default target_kind %q", model.ErrorInvalidConfiguration, defaults.TargetKind)
	}
	if defaults.MessageDelayMs < 0 || defaults.MessageDelayMs > model.MaxMessageDelayMs ||
		defaults.MaxRetries < 0 ||
		defaults.LoopDelaySeconds <= 0 || defaults.LoopDelaySeconds > model.MaxLoopDelaySeconds {
		return model.SessionDefaults{}, fmt.Errorf("%w: session defaults out of range", model.ErrorInvalidConfiguration)
	}
	return defaults, nil
}
